package wire

import "testing"

func TestCursorRoundTripScalars(t *testing.T) {
	b := NewMessageBuffer(1, 64)
	w := NewWriter(b, false)
	if err := w.U8(0x42); err != nil {
		t.Fatal(err)
	}
	if err := w.U16(0x1234); err != nil {
		t.Fatal(err)
	}
	if err := w.U32(0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if err := w.U64(0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	if err := w.String("hello"); err != nil {
		t.Fatal(err)
	}
	if err := w.VarInt(300); err != nil {
		t.Fatal(err)
	}

	r := NewReader(b, false)
	if v, err := r.U8(); err != nil || v != 0x42 {
		t.Fatalf("U8 = %v, %v", v, err)
	}
	if v, err := r.U16(); err != nil || v != 0x1234 {
		t.Fatalf("U16 = %v, %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("U32 = %v, %v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("U64 = %v, %v", v, err)
	}
	if v, err := r.String(); err != nil || v != "hello" {
		t.Fatalf("String = %v, %v", v, err)
	}
	if v, err := r.VarInt(); err != nil || v != 300 {
		t.Fatalf("VarInt = %v, %v", v, err)
	}
}

func TestWriterRefusesOverCapacity(t *testing.T) {
	b := NewMessageBuffer(1, 1)
	w := NewWriter(b, false)
	if err := w.U16(1); err != ErrShortWrite {
		t.Fatalf("got %v, want ErrShortWrite", err)
	}
}

func TestReaderRefusesPastEnd(t *testing.T) {
	b := NewMessageBuffer(1, 1)
	r := NewReader(b, false)
	if _, err := r.U16(); err != ErrShortRead {
		t.Fatalf("got %v, want ErrShortRead", err)
	}
}

func TestEndianSwapRoundTrip(t *testing.T) {
	b := NewMessageBuffer(1, 4)
	w := NewWriter(b, true)
	if err := w.U32(0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	e := NewEditor(b, true)
	e.SwapU32At(headerSize)
	e.SwapU32At(headerSize)
	r := NewReader(b, true)
	v, err := r.U32()
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("after double swap, U32 = %v, %v, want 0xdeadbeef", v, err)
	}
}

func TestFixedStringTrimsNulPadding(t *testing.T) {
	b := NewMessageBuffer(1, 32)
	w := NewWriter(b, false)
	if err := w.FixedString("alice", 32); err != nil {
		t.Fatal(err)
	}
	r := NewReader(b, false)
	s, err := r.FixedString(32)
	if err != nil || s != "alice" {
		t.Fatalf("FixedString = %q, %v, want %q", s, err, "alice")
	}
}
