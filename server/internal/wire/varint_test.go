package wire

import "testing"

func TestVarIntRoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 127, 128, 300, 16384, 1 << 20, 1<<32 - 1}
	for _, v := range cases {
		buf := make([]byte, 5)
		n := PutVarInt(buf, v)
		if n != VarIntLen(v) {
			t.Fatalf("VarIntLen(%d) = %d, PutVarInt wrote %d", v, VarIntLen(v), n)
		}
		got, consumed, err := GetVarInt(buf[:n])
		if err != nil {
			t.Fatalf("GetVarInt(%d): %v", v, err)
		}
		if got != v || consumed != n {
			t.Fatalf("roundtrip %d: got %d consumed %d, want %d consumed %d", v, got, consumed, v, n)
		}
	}
}

func TestVarIntMalformedShortBuffer(t *testing.T) {
	// A single continuation byte (high bit set) with nothing after it.
	_, _, err := GetVarInt([]byte{0x80})
	if err != ErrMalformedVarInt {
		t.Fatalf("got %v, want ErrMalformedVarInt", err)
	}
}

func TestVarIntMalformedTooManyContinuations(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	_, _, err := GetVarInt(buf)
	if err != ErrMalformedVarInt {
		t.Fatalf("got %v, want ErrMalformedVarInt", err)
	}
}

func TestVarIntEmptyBuffer(t *testing.T) {
	_, _, err := GetVarInt(nil)
	if err != ErrMalformedVarInt {
		t.Fatalf("got %v, want ErrMalformedVarInt", err)
	}
}
