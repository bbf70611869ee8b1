package datatype

import "vci/client/internal/wire"

// compound tag bytes for a dictionary's wire form.
const (
	tagPointer    = 0
	tagFixedArray = 1
	tagVector     = 2
	tagStructure  = 3
)

// EncodeDictionary writes d's wire form: u8 numCompound, then per compound
// type a u8 tag and its parameters.
func EncodeDictionary(w *wire.Writer, d *Dictionary) error {
	if len(d.Compounds) > 256 {
		return errTooManyCompounds
	}
	if err := w.U8(uint8(len(d.Compounds))); err != nil {
		return err
	}
	for _, c := range d.Compounds {
		switch c.Kind {
		case KindPointer:
			if err := w.U8(tagPointer); err != nil {
				return err
			}
			if err := w.U16(uint16(c.Elem)); err != nil {
				return err
			}
		case KindFixedArray:
			if err := w.U8(tagFixedArray); err != nil {
				return err
			}
			if err := w.U16(uint16(c.Count - 1)); err != nil {
				return err
			}
			if err := w.U16(uint16(c.Elem)); err != nil {
				return err
			}
		case KindVector:
			if err := w.U8(tagVector); err != nil {
				return err
			}
			if err := w.U16(uint16(c.Elem)); err != nil {
				return err
			}
		case KindStructure:
			if err := w.U8(tagStructure); err != nil {
				return err
			}
			if err := w.U8(uint8(len(c.Fields) - 1)); err != nil {
				return err
			}
			for _, f := range c.Fields {
				if err := w.U16(uint16(f.TypeID)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

var errTooManyCompounds = wireErr("datatype: dictionary has more than 256 compound types")
var errBadTag = wireErr("datatype: unknown compound tag")

type wireErr string

func (e wireErr) Error() string { return string(e) }

// DecodeDictionary reads a dictionary previously written by EncodeDictionary
// and seals it.
func DecodeDictionary(r *wire.Reader) (*Dictionary, error) {
	n, err := r.U8()
	if err != nil {
		return nil, err
	}
	d := NewDictionary()
	// Pointer targets may name compounds declared later in the list, so they
	// are set only once every compound has been declared.
	type pointerTarget struct{ id, target TypeID }
	var targets []pointerTarget
	for i := 0; i < int(n); i++ {
		tag, err := r.U8()
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagPointer:
			elem, err := r.U16()
			if err != nil {
				return nil, err
			}
			id, err := d.DeclarePointer()
			if err != nil {
				return nil, err
			}
			targets = append(targets, pointerTarget{id, TypeID(elem)})
		case tagFixedArray:
			countMinus1, err := r.U16()
			if err != nil {
				return nil, err
			}
			elem, err := r.U16()
			if err != nil {
				return nil, err
			}
			if _, err := d.DeclareFixedArray(TypeID(elem), int(countMinus1)+1); err != nil {
				return nil, err
			}
		case tagVector:
			elem, err := r.U16()
			if err != nil {
				return nil, err
			}
			if _, err := d.DeclareVector(TypeID(elem)); err != nil {
				return nil, err
			}
		case tagStructure:
			arityMinus1, err := r.U8()
			if err != nil {
				return nil, err
			}
			arity := int(arityMinus1) + 1
			fields := make([]TypeID, arity)
			for j := range fields {
				ft, err := r.U16()
				if err != nil {
					return nil, err
				}
				fields[j] = TypeID(ft)
			}
			if _, err := d.DeclareStructure(fields); err != nil {
				return nil, err
			}
		default:
			return nil, errBadTag
		}
	}
	for _, pt := range targets {
		if err := d.SetPointerTarget(pt.id, pt.target); err != nil {
			return nil, err
		}
	}
	if err := d.Seal(); err != nil {
		return nil, err
	}
	return d, nil
}
