package datatype

import (
	"fmt"

	"vci/server/internal/wire"
)

// maxDepth bounds recursive descent into a value's structure, the same
// work-stack ceiling the streaming reader enforces — applied here to the
// direct (non-streaming) encode/decode path too, so a maliciously
// recursive dictionary can't blow the goroutine stack.
const maxDepth = 128

// ErrTooDeep is returned when a value's structure nests beyond maxDepth.
var ErrTooDeep = fmt.Errorf("datatype: value nesting exceeds max depth %d", maxDepth)

// Pointer is the in-memory representation of a Pointer-typed value: either
// invalid (Valid == false, pointee omitted on the wire) or valid with an
// Elem of the pointer's target type.
type Pointer struct {
	Valid bool
	Elem  any
}

// Write serializes v (assumed to have type id against dict) to w.
func Write(w *wire.Writer, dict *Dictionary, id TypeID, v any) error {
	return writeDepth(w, dict, id, v, 0)
}

func writeDepth(w *wire.Writer, dict *Dictionary, id TypeID, v any, depth int) error {
	if depth > maxDepth {
		return ErrTooDeep
	}
	if IsAtomic(id) {
		return writeAtomic(w, id, v)
	}
	c, ok := dict.Get(id)
	if !ok {
		return fmt.Errorf("datatype: undefined type %v", id)
	}
	switch c.Kind {
	case KindPointer:
		p, ok := v.(Pointer)
		if !ok {
			return fmt.Errorf("datatype: expected Pointer value for %v, got %T", id, v)
		}
		if err := w.Bool(p.Valid); err != nil {
			return err
		}
		if !p.Valid {
			return nil
		}
		return writeDepth(w, dict, c.Elem, p.Elem, depth+1)
	case KindFixedArray:
		elems, ok := v.([]any)
		if !ok || len(elems) != c.Count {
			return fmt.Errorf("datatype: expected %d-element array for %v", c.Count, id)
		}
		for _, e := range elems {
			if err := writeDepth(w, dict, c.Elem, e, depth+1); err != nil {
				return err
			}
		}
		return nil
	case KindVector:
		elems, ok := v.([]any)
		if !ok {
			return fmt.Errorf("datatype: expected []any for vector %v", id)
		}
		if err := w.VarInt(uint32(len(elems))); err != nil {
			return err
		}
		for _, e := range elems {
			if err := writeDepth(w, dict, c.Elem, e, depth+1); err != nil {
				return err
			}
		}
		return nil
	case KindStructure:
		fields, ok := v.([]any)
		if !ok || len(fields) != len(c.Fields) {
			return fmt.Errorf("datatype: expected %d-field structure for %v", len(c.Fields), id)
		}
		for i, f := range c.Fields {
			if err := writeDepth(w, dict, f.TypeID, fields[i], depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("datatype: unknown compound kind %v", c.Kind)
}

func writeAtomic(w *wire.Writer, id TypeID, v any) error {
	switch id {
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return typeErr(id, v)
		}
		return w.Bool(b)
	case Char, UInt8:
		b, ok := v.(uint8)
		if !ok {
			return typeErr(id, v)
		}
		return w.U8(b)
	case SInt8:
		b, ok := v.(int8)
		if !ok {
			return typeErr(id, v)
		}
		return w.I8(b)
	case SInt16:
		n, ok := v.(int16)
		if !ok {
			return typeErr(id, v)
		}
		return w.I16(n)
	case UInt16:
		n, ok := v.(uint16)
		if !ok {
			return typeErr(id, v)
		}
		return w.U16(n)
	case SInt32:
		n, ok := v.(int32)
		if !ok {
			return typeErr(id, v)
		}
		return w.I32(n)
	case UInt32:
		n, ok := v.(uint32)
		if !ok {
			return typeErr(id, v)
		}
		return w.U32(n)
	case SInt64:
		n, ok := v.(int64)
		if !ok {
			return typeErr(id, v)
		}
		return w.I64(n)
	case UInt64:
		n, ok := v.(uint64)
		if !ok {
			return typeErr(id, v)
		}
		return w.U64(n)
	case Float32:
		f, ok := v.(float32)
		if !ok {
			return typeErr(id, v)
		}
		return w.F32(f)
	case Float64:
		f, ok := v.(float64)
		if !ok {
			return typeErr(id, v)
		}
		return w.F64(f)
	case VarInt:
		n, ok := v.(uint32)
		if !ok {
			return typeErr(id, v)
		}
		return w.VarInt(n)
	case String:
		s, ok := v.(string)
		if !ok {
			return typeErr(id, v)
		}
		return w.String(s)
	}
	return fmt.Errorf("datatype: unknown atomic type %v", id)
}

func typeErr(id TypeID, v any) error {
	return fmt.Errorf("datatype: value %v (%T) does not match type %v", v, v, id)
}

// Read deserializes a value of type id (against dict) from r.
func Read(r *wire.Reader, dict *Dictionary, id TypeID) (any, error) {
	return readDepth(r, dict, id, 0)
}

func readDepth(r *wire.Reader, dict *Dictionary, id TypeID, depth int) (any, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	if IsAtomic(id) {
		return readAtomic(r, id)
	}
	c, ok := dict.Get(id)
	if !ok {
		return nil, fmt.Errorf("datatype: undefined type %v", id)
	}
	switch c.Kind {
	case KindPointer:
		valid, err := r.Bool()
		if err != nil {
			return nil, err
		}
		if !valid {
			return Pointer{Valid: false}, nil
		}
		elem, err := readDepth(r, dict, c.Elem, depth+1)
		if err != nil {
			return nil, err
		}
		return Pointer{Valid: true, Elem: elem}, nil
	case KindFixedArray:
		out := make([]any, c.Count)
		for i := range out {
			v, err := readDepth(r, dict, c.Elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case KindVector:
		n, err := r.VarInt()
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			v, err := readDepth(r, dict, c.Elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case KindStructure:
		out := make([]any, len(c.Fields))
		for i, f := range c.Fields {
			v, err := readDepth(r, dict, f.TypeID, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("datatype: unknown compound kind %v", c.Kind)
}

func readAtomic(r *wire.Reader, id TypeID) (any, error) {
	switch id {
	case Bool:
		return r.Bool()
	case Char, UInt8:
		return r.U8()
	case SInt8:
		return r.I8()
	case SInt16:
		return r.I16()
	case UInt16:
		return r.U16()
	case SInt32:
		return r.I32()
	case UInt32:
		return r.U32()
	case SInt64:
		return r.I64()
	case UInt64:
		return r.U64()
	case Float32:
		return r.F32()
	case Float64:
		return r.F64()
	case VarInt:
		return r.VarInt()
	case String:
		return r.String()
	}
	return nil, fmt.Errorf("datatype: unknown atomic type %v", id)
}

// CalcWireSize returns the exact number of bytes Write(v) would produce.
func CalcWireSize(dict *Dictionary, id TypeID, v any) (int, error) {
	if IsAtomic(id) {
		return calcAtomicSize(id, v)
	}
	c, ok := dict.Get(id)
	if !ok {
		return 0, fmt.Errorf("datatype: undefined type %v", id)
	}
	switch c.Kind {
	case KindPointer:
		p, ok := v.(Pointer)
		if !ok {
			return 0, typeErr(id, v)
		}
		if !p.Valid {
			return 1, nil
		}
		n, err := CalcWireSize(dict, c.Elem, p.Elem)
		return 1 + n, err
	case KindFixedArray:
		elems, ok := v.([]any)
		if !ok {
			return 0, typeErr(id, v)
		}
		total := 0
		for _, e := range elems {
			n, err := CalcWireSize(dict, c.Elem, e)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	case KindVector:
		elems, ok := v.([]any)
		if !ok {
			return 0, typeErr(id, v)
		}
		total := wire.VarIntLen(uint32(len(elems)))
		for _, e := range elems {
			n, err := CalcWireSize(dict, c.Elem, e)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	case KindStructure:
		fields, ok := v.([]any)
		if !ok {
			return 0, typeErr(id, v)
		}
		total := 0
		for i, f := range c.Fields {
			n, err := CalcWireSize(dict, f.TypeID, fields[i])
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}
	return 0, fmt.Errorf("datatype: unknown compound kind %v", c.Kind)
}

func calcAtomicSize(id TypeID, v any) (int, error) {
	if sz, ok := atomicFixedSize(id); ok {
		return sz, nil
	}
	switch id {
	case VarInt:
		n, ok := v.(uint32)
		if !ok {
			return 0, typeErr(id, v)
		}
		return wire.VarIntLen(n), nil
	case String:
		s, ok := v.(string)
		if !ok {
			return 0, typeErr(id, v)
		}
		return wire.VarIntLen(uint32(len(s))) + len(s), nil
	}
	return 0, fmt.Errorf("datatype: unknown atomic type %v", id)
}
