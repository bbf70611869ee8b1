// Package datatype implements the self-describing type dictionary plug-ins
// use to declare arbitrary composite values once and let the framework
// handle serialization, size computation, endian-swapping, and structural
// equality. Atomic types are built in; compound types
// (pointer, fixed array, vector, structure) are declared into an ordered
// Dictionary and may only reference atomic types or lower-indexed compound
// types — except a Pointer, whose target is set after declaration and may
// be itself or a later-declared compound, to express a recursive type.
package datatype

import "fmt"

// TypeID identifies either an atomic type (< NumAtomic) or, once offset by
// NumAtomic, a compound type's index within a Dictionary.
type TypeID uint16

// Atomic type IDs, fixed and shared by every dictionary.
const (
	Bool TypeID = iota
	Char
	SInt8
	SInt16
	SInt32
	SInt64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
	VarInt
	String

	NumAtomic TypeID = iota
)

var atomicNames = [NumAtomic]string{
	"Bool", "Char", "SInt8", "SInt16", "SInt32", "SInt64",
	"UInt8", "UInt16", "UInt32", "UInt64", "Float32", "Float64",
	"VarInt", "String",
}

func (t TypeID) String() string {
	if t < NumAtomic {
		return atomicNames[t]
	}
	return fmt.Sprintf("compound#%d", t-NumAtomic)
}

// atomicFixedSize returns the fixed wire/mem size of a fixed-size atomic
// type, or (0, false) for VarInt/String which have no fixed size.
func atomicFixedSize(t TypeID) (int, bool) {
	switch t {
	case Bool, Char, SInt8, UInt8:
		return 1, true
	case SInt16, UInt16:
		return 2, true
	case SInt32, UInt32, Float32:
		return 4, true
	case SInt64, UInt64, Float64:
		return 8, true
	default:
		return 0, false
	}
}

// CompoundKind distinguishes the four compound type shapes.
type CompoundKind uint8

const (
	KindPointer CompoundKind = iota
	KindFixedArray
	KindVector
	KindStructure
)

// invalidTypeID marks a Pointer compound whose target has not yet been set
// by SetPointerTarget, the two-phase build that lets a dictionary contain a
// pointer to itself.
const invalidTypeID TypeID = 0xffff

// Field is one member of a Structure, in declaration order.
type Field struct {
	TypeID    TypeID
	MemOffset int // computed at Seal time
}

// CompoundDef is one entry in a Dictionary: exactly one of Pointer,
// FixedArray, Vector, or Structure, tagged by Kind.
type CompoundDef struct {
	Kind CompoundKind

	Elem  TypeID // Pointer, FixedArray, Vector
	Count int    // FixedArray only: element count, 1..65536

	Fields []Field // Structure only

	// Populated by Seal.
	MinWireSize int
	FixedSize   bool
	Alignment   int
	MemSize     int
}

// Dictionary is an ordered list of compound-type definitions. Type IDs
// below NumAtomic are atomic; at or above it they index, after subtracting
// NumAtomic, into Compounds. Equality between two dictionaries is
// structural (see Equal).
type Dictionary struct {
	Compounds []CompoundDef
	sealed    bool
}

// NewDictionary returns an empty, unsealed Dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{}
}

func (d *Dictionary) nextID() TypeID {
	return NumAtomic + TypeID(len(d.Compounds))
}

// IsAtomic reports whether id names a built-in atomic type.
func IsAtomic(id TypeID) bool { return id < NumAtomic }

// resolvable reports whether id names either an atomic type or an
// already-declared (lower-indexed) compound type — the "forward references
// only allowed into self for pointer types" rule.
func (d *Dictionary) resolvable(id TypeID) bool {
	if IsAtomic(id) {
		return true
	}
	idx := int(id - NumAtomic)
	return idx >= 0 && idx < len(d.Compounds)
}

func (d *Dictionary) mustNotBeSealed() error {
	if d.sealed {
		return fmt.Errorf("datatype: dictionary is sealed")
	}
	return nil
}

// DeclarePointer appends a new Pointer compound with no target yet, and
// returns its TypeID. The target must be fixed with SetPointerTarget before
// Seal; allowing this two-phase build is what lets a Pointer target the
// type currently being declared (and hence express recursive structures).
func (d *Dictionary) DeclarePointer() (TypeID, error) {
	if err := d.mustNotBeSealed(); err != nil {
		return 0, err
	}
	id := d.nextID()
	d.Compounds = append(d.Compounds, CompoundDef{Kind: KindPointer, Elem: invalidTypeID})
	return id, nil
}

// SetPointerTarget fixes the element type of a previously-declared
// pointer. target may be id itself (a self-referential, i.e. recursive,
// pointer), any atomic type, or any compound already declared at the time
// of the call, including ones declared after id.
func (d *Dictionary) SetPointerTarget(id, target TypeID) error {
	if err := d.mustNotBeSealed(); err != nil {
		return err
	}
	idx := int(id - NumAtomic)
	if idx < 0 || idx >= len(d.Compounds) || d.Compounds[idx].Kind != KindPointer {
		return fmt.Errorf("datatype: %v is not a declared pointer", id)
	}
	if target != id && !d.resolvable(target) {
		return fmt.Errorf("datatype: pointer target %v is not yet declared", target)
	}
	d.Compounds[idx].Elem = target
	return nil
}

// DeclareFixedArray appends a FixedArray of count elements of type elem.
// count must fit the wire layout's u16+1 encoding (1..65536).
func (d *Dictionary) DeclareFixedArray(elem TypeID, count int) (TypeID, error) {
	if err := d.mustNotBeSealed(); err != nil {
		return 0, err
	}
	if !d.resolvable(elem) {
		return 0, fmt.Errorf("datatype: undefined element type %v", elem)
	}
	if count < 1 || count > 65536 {
		return 0, fmt.Errorf("datatype: fixed array size %d out of range [1,65536]", count)
	}
	id := d.nextID()
	d.Compounds = append(d.Compounds, CompoundDef{Kind: KindFixedArray, Elem: elem, Count: count})
	return id, nil
}

// DeclareVector appends a Vector of elements of type elem.
func (d *Dictionary) DeclareVector(elem TypeID) (TypeID, error) {
	if err := d.mustNotBeSealed(); err != nil {
		return 0, err
	}
	if !d.resolvable(elem) {
		return 0, fmt.Errorf("datatype: undefined element type %v", elem)
	}
	id := d.nextID()
	d.Compounds = append(d.Compounds, CompoundDef{Kind: KindVector, Elem: elem})
	return id, nil
}

// DeclareStructure appends a Structure with the given field types, in
// order. Arity must fit the wire layout's u8+1 encoding (1..256).
func (d *Dictionary) DeclareStructure(fieldTypes []TypeID) (TypeID, error) {
	if err := d.mustNotBeSealed(); err != nil {
		return 0, err
	}
	if len(fieldTypes) < 1 || len(fieldTypes) > 256 {
		return 0, fmt.Errorf("datatype: structure arity %d out of range [1,256]", len(fieldTypes))
	}
	fields := make([]Field, len(fieldTypes))
	for i, ft := range fieldTypes {
		if !d.resolvable(ft) {
			return 0, fmt.Errorf("datatype: undefined field type %v", ft)
		}
		fields[i] = Field{TypeID: ft}
	}
	id := d.nextID()
	d.Compounds = append(d.Compounds, CompoundDef{Kind: KindStructure, Fields: fields})
	return id, nil
}

// Get returns the compound definition for id, or false if id is atomic or
// undefined.
func (d *Dictionary) Get(id TypeID) (CompoundDef, bool) {
	if IsAtomic(id) {
		return CompoundDef{}, false
	}
	idx := int(id - NumAtomic)
	if idx < 0 || idx >= len(d.Compounds) {
		return CompoundDef{}, false
	}
	return d.Compounds[idx], true
}

// alignmentAndSize returns (alignment, memSize, fixedSize) for id, looking
// compound types up in d. Used by Seal to compute per-entry layout.
func (d *Dictionary) alignmentAndSize(id TypeID) (align, size int, fixed bool) {
	if sz, ok := atomicFixedSize(id); ok {
		return sz, sz, true
	}
	if id == VarInt || id == String {
		return 1, 0, false
	}
	idx := int(id - NumAtomic)
	c := d.Compounds[idx]
	switch c.Kind {
	case KindPointer:
		return 8, 8, true // a pointer's memory footprint is a machine word
	case KindFixedArray:
		ea, es, ef := d.alignmentAndSize(c.Elem)
		return ea, es * c.Count, ef
	case KindVector:
		return 8, 24, true // slice header: data ptr + len + cap, fixed-size in memory
	case KindStructure:
		maxAlign := 1
		offset := 0
		for i := range c.Fields {
			fa, fs, _ := d.alignmentAndSize(c.Fields[i].TypeID)
			if fa > maxAlign {
				maxAlign = fa
			}
			offset = alignUp(offset, fa)
			c.Fields[i].MemOffset = offset
			offset += fs
		}
		offset = alignUp(offset, maxAlign)
		return maxAlign, offset, true
	}
	return 1, 0, false
}

func alignUp(v, align int) int {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// minWireSize returns the smallest possible wire encoding size of id: for
// fixed-size atomics and structures/arrays built only from them, this
// equals the actual size; for anything containing a VarInt, String,
// Vector, or Pointer it is a lower bound (1 byte for the length/valid-flag
// prefix of each variable-size member).
func (d *Dictionary) minWireSize(id TypeID) (int, bool) {
	if sz, ok := atomicFixedSize(id); ok {
		return sz, true
	}
	if id == VarInt {
		return 1, false
	}
	if id == String {
		return 1, false
	}
	idx := int(id - NumAtomic)
	c := d.Compounds[idx]
	switch c.Kind {
	case KindPointer:
		return 1, false // valid-flag byte; pointee omitted when invalid
	case KindFixedArray:
		es, efixed := d.minWireSize(c.Elem)
		return es * c.Count, efixed
	case KindVector:
		return 1, false // VarInt count, possibly zero elements
	case KindStructure:
		total := 0
		allFixed := true
		for _, f := range c.Fields {
			fs, ffixed := d.minWireSize(f.TypeID)
			total += fs
			allFixed = allFixed && ffixed
		}
		return total, allFixed
	}
	return 0, false
}

// Seal validates every reference in the dictionary (forward references
// only into self for pointers) and computes each entry's
// (minWireSize, fixedSize, alignment, memSize). A sealed dictionary is
// immutable; further Declare*/SetPointerTarget calls fail.
func (d *Dictionary) Seal() error {
	if d.sealed {
		return nil
	}
	for i, c := range d.Compounds {
		if c.Kind == KindPointer && c.Elem == invalidTypeID {
			return fmt.Errorf("datatype: pointer %v has no target set", NumAtomic+TypeID(i))
		}
	}
	for i := range d.Compounds {
		id := NumAtomic + TypeID(i)
		align, memSize, fixed := d.alignmentAndSize(id)
		mws, mwsFixed := d.minWireSize(id)
		d.Compounds[i].Alignment = align
		d.Compounds[i].MemSize = memSize
		d.Compounds[i].FixedSize = fixed && mwsFixed
		d.Compounds[i].MinWireSize = mws
	}
	d.sealed = true
	return nil
}

// Sealed reports whether Seal has been called.
func (d *Dictionary) Sealed() bool { return d.sealed }

// Equal reports structural equality between two dictionaries: same number
// of compounds, each at the same index with the same kind and references.
func (d *Dictionary) Equal(o *Dictionary) bool {
	if d == o {
		return true
	}
	if d == nil || o == nil || len(d.Compounds) != len(o.Compounds) {
		return false
	}
	for i := range d.Compounds {
		a, b := d.Compounds[i], o.Compounds[i]
		if a.Kind != b.Kind || a.Elem != b.Elem || a.Count != b.Count {
			return false
		}
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for j := range a.Fields {
			if a.Fields[j].TypeID != b.Fields[j].TypeID {
				return false
			}
		}
	}
	return true
}
