package wire

import "testing"

func TestMessageBufferRefcountLifecycle(t *testing.T) {
	b := NewMessageBuffer(7, 16)
	if got := b.RefCount(); got != 1 {
		t.Fatalf("fresh buffer refcount = %d, want 1", got)
	}
	b.Ref()
	if got := b.RefCount(); got != 2 {
		t.Fatalf("after Ref refcount = %d, want 2", got)
	}
	b.Unref()
	if got := b.RefCount(); got != 1 {
		t.Fatalf("after one Unref refcount = %d, want 1", got)
	}
	b.Unref()
	if got := b.RefCount(); got != 0 {
		t.Fatalf("after final Unref refcount = %d, want 0", got)
	}
}

func TestMessageBufferDoubleUnrefPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double-unref")
		}
	}()
	b := NewMessageBuffer(1, 0)
	b.Unref()
	b.Unref()
}

func TestMessageBufferSetIDRewritesHeaderOnly(t *testing.T) {
	b := NewMessageBufferFromBody(3, []byte{0xAA, 0xBB})
	b.SetID(99)
	if b.ID() != 99 {
		t.Fatalf("ID = %d, want 99", b.ID())
	}
	if b.Body()[0] != 0xAA || b.Body()[1] != 0xBB {
		t.Fatalf("SetID corrupted body: %v", b.Body())
	}
}

func TestMessageBufferFixedSize(t *testing.T) {
	b := NewMessageBuffer(0, 10)
	if b.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", b.Len())
	}
	if len(b.Raw()) != headerSize+10 {
		t.Fatalf("Raw() len = %d, want %d", len(b.Raw()), headerSize+10)
	}
}
