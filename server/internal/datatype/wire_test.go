package datatype

import (
	"testing"

	"vci/server/internal/wire"
)

func buildSampleDictionary(t *testing.T) *Dictionary {
	t.Helper()
	d := NewDictionary()
	node, err := d.DeclarePointer()
	if err != nil {
		t.Fatal(err)
	}
	list, err := d.DeclareStructure([]TypeID{SInt32, node})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetPointerTarget(node, list); err != nil {
		t.Fatal(err)
	}
	if _, err := d.DeclareVector(String); err != nil {
		t.Fatal(err)
	}
	if _, err := d.DeclareFixedArray(Float64, 4); err != nil {
		t.Fatal(err)
	}
	if err := d.Seal(); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDictionaryWireRoundtrip(t *testing.T) {
	d := buildSampleDictionary(t)

	buf := make([]byte, 1024)
	w := wire.NewBodyWriter(buf, false)
	if err := EncodeDictionary(w, d); err != nil {
		t.Fatal(err)
	}

	r := wire.NewBodyReader(buf[:len(buf)-w.Remaining()], false)
	got, err := DecodeDictionary(r)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Equal(got) {
		t.Fatal("decoded dictionary does not structurally equal original")
	}
}

func TestDecodeDictionaryRejectsBadTag(t *testing.T) {
	buf := []byte{1, 0xff}
	r := wire.NewBodyReader(buf, false)
	if _, err := DecodeDictionary(r); err == nil {
		t.Fatal("expected DecodeDictionary to reject an unknown tag")
	}
}
