package datatype

import (
	"testing"

	"vci/server/internal/wire"
)

func buildValueDictionary(t *testing.T) (*Dictionary, TypeID) {
	t.Helper()
	d := NewDictionary()
	vec3, err := d.DeclareFixedArray(Float32, 3)
	if err != nil {
		t.Fatal(err)
	}
	names, err := d.DeclareVector(String)
	if err != nil {
		t.Fatal(err)
	}
	ptr, err := d.DeclarePointer()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetPointerTarget(ptr, UInt32); err != nil {
		t.Fatal(err)
	}
	record, err := d.DeclareStructure([]TypeID{UInt32, vec3, names, ptr, String})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Seal(); err != nil {
		t.Fatal(err)
	}
	return d, record
}

func sampleValue() []any {
	return []any{
		uint32(42),
		[]any{float32(1.5), float32(-2.25), float32(0)},
		[]any{"alpha", "beta", "gamma"},
		Pointer{Valid: true, Elem: uint32(7)},
		"hello, koinonia",
	}
}

func TestValueRoundtrip(t *testing.T) {
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
	if w.Remaining() != 0 {
		t.Fatalf("CalcWireSize predicted %d bytes, Write used %d", size, size-w.Remaining())
	}

	r := wire.NewBodyReader(buf, false)
	got, err := Read(r, d, record)
	if err != nil {
		t.Fatal(err)
	}
	assertDeepEqualValue(t, v, got)
}

func TestValueRoundtripInvalidPointer(t *testing.T) {
	d, record := buildValueDictionary(t)
	v := sampleValue()
	v[3] = Pointer{Valid: false}

	size, err := CalcWireSize(d, record, v)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, size)
	w := wire.NewBodyWriter(buf, false)
	if err := Write(w, d, record, v); err != nil {
		t.Fatal(err)
	}
	r := wire.NewBodyReader(buf, false)
	got, err := Read(r, d, record)
	if err != nil {
		t.Fatal(err)
	}
	p := got.([]any)[3].(Pointer)
	if p.Valid {
		t.Fatal("expected invalid pointer to roundtrip as invalid")
	}
}

func assertDeepEqualValue(t *testing.T, want, got any) {
	t.Helper()
	ws, gs := want.([]any), got.([]any)
	if len(ws) != len(gs) {
		t.Fatalf("field count mismatch: want %d, got %d", len(ws), len(gs))
	}
	if ws[0] != gs[0] {
		t.Fatalf("field 0: want %v, got %v", ws[0], gs[0])
	}
	wa, ga := ws[1].([]any), gs[1].([]any)
	for i := range wa {
		if wa[i] != ga[i] {
			t.Fatalf("vec3[%d]: want %v, got %v", i, wa[i], ga[i])
		}
	}
	wn, gn := ws[2].([]any), gs[2].([]any)
	for i := range wn {
		if wn[i] != gn[i] {
			t.Fatalf("names[%d]: want %v, got %v", i, wn[i], gn[i])
		}
	}
	wp, gp := ws[3].(Pointer), gs[3].(Pointer)
	if wp.Valid != gp.Valid || wp.Elem != gp.Elem {
		t.Fatalf("pointer: want %+v, got %+v", wp, gp)
	}
	if ws[4] != gs[4] {
		t.Fatalf("field 4: want %v, got %v", ws[4], gs[4])
	}
}
