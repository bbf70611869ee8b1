package transport

import (
	"bytes"
	"testing"

	"vci/client/internal/wire"
)

func TestWriteMessageReadMessageRoundtrip(t *testing.T) {
	m := wire.NewMessageBufferFromBody(wire.MessageID(7), []byte("hello, koinonia"))

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatal(err)
	}
	m.Unref()

	got, err := ReadMessage(&buf, false)
	if err != nil {
		t.Fatal(err)
	}
	defer got.Unref()

	if got.ID() != wire.MessageID(7) {
		t.Fatalf("ID = %d, want 7", got.ID())
	}
	if string(got.Body()) != "hello, koinonia" {
		t.Fatalf("body = %q", got.Body())
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xff
	lenBuf[1] = 0xff
	lenBuf[2] = 0xff
	lenBuf[3] = 0xff
	buf.Write(lenBuf[:])

	if _, err := ReadMessage(&buf, false); err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestReadMessageEOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	if _, err := ReadMessage(&buf, false); err == nil {
		t.Fatal("expected an error reading from an empty stream")
	}
}
