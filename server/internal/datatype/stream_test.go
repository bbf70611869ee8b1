package datatype

import (
	"testing"

	"vci/server/internal/wire"
)

// TestStreamReaderByteAtATime feeds a fully-encoded value through the
// streaming reader, moving the start of the presented buffer forward one
// byte whenever Feed reports it needs more, and checks it reassembles the
// same value the direct Read path produces.
func TestStreamReaderByteAtATime(t *testing.T) {
	d, record := buildValueDictionary(t)
	v := sampleValue()

	size, err := CalcWireSize(d, record, v)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, size)
	w := wire.NewBodyWriter(buf, false)
	if err := Write(w, d, record, v); err != nil {
		t.Fatal(err)
	}

	sr := NewStreamReader(d, record)
	fed := 0
	for !sr.Done() {
		if fed >= len(buf) {
			t.Fatal("stream reader still not done after consuming entire encoding")
		}
		needed, err := sr.Feed(buf[fed:])
		if err != nil {
			t.Fatal(err)
		}
		if needed == 0 {
			continue
		}
		fed++
	}

	assertDeepEqualValue(t, v, sr.Value())
}

// TestStreamReaderMaxDepth confirms recursion past maxDepth fails cleanly
// rather than overflowing the work-stack.
func TestStreamReaderMaxDepth(t *testing.T) {
	d := NewDictionary()
	node, err := d.DeclarePointer()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetPointerTarget(node, node); err != nil {
		t.Fatal(err)
	}
	if err := d.Seal(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, maxDepth+2)
	for i := range buf {
		buf[i] = 1 // every pointer valid, chaining forever
	}

	sr := NewStreamReader(d, node)
	_, err = sr.Feed(buf)
	if err != ErrTooDeep {
		t.Fatalf("expected ErrTooDeep, got %v", err)
	}
}
