package datatype

import "testing"

func TestDeclareStructureAndSeal(t *testing.T) {
	d := NewDictionary()
	vec3, err := d.DeclareFixedArray(Float32, 3)
	if err != nil {
		t.Fatal(err)
	}
	point, err := d.DeclareStructure([]TypeID{vec3, String})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Seal(); err != nil {
		t.Fatal(err)
	}
	c, ok := d.Get(point)
	if !ok {
		t.Fatal("expected point to resolve")
	}
	if c.FixedSize {
		t.Fatal("expected structure with a String field to be variable-size")
	}
	if c.MinWireSize != 12+1 {
		t.Fatalf("min wire size = %d, want %d", c.MinWireSize, 13)
	}
}

func TestSelfReferentialPointer(t *testing.T) {
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
	if err := d.Seal(); err != nil {
		t.Fatal(err)
	}
}

func TestPointerMustHaveTargetBeforeSeal(t *testing.T) {
	d := NewDictionary()
	if _, err := d.DeclarePointer(); err != nil {
		t.Fatal(err)
	}
	if err := d.Seal(); err == nil {
		t.Fatal("expected Seal to fail on a pointer with no target")
	}
}

func TestDeclareAfterSealFails(t *testing.T) {
	d := NewDictionary()
	if err := d.Seal(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.DeclareVector(Bool); err == nil {
		t.Fatal("expected Declare to fail after Seal")
	}
}

func TestEqualIsStructural(t *testing.T) {
	a := NewDictionary()
	a.DeclareVector(UInt32)
	b := NewDictionary()
	b.DeclareVector(UInt32)
	if !a.Equal(b) {
		t.Fatal("expected structurally identical dictionaries to be Equal")
	}
	c := NewDictionary()
	c.DeclareVector(Float64)
	if a.Equal(c) {
		t.Fatal("expected dictionaries with different element types to differ")
	}
}

func TestForwardReferenceRejected(t *testing.T) {
	d := NewDictionary()
	bogus := NumAtomic + 5
	if _, err := d.DeclareVector(bogus); err == nil {
		t.Fatal("expected forward reference to an undeclared compound to fail")
	}
}
