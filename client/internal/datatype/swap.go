package datatype

import (
	"fmt"
	"math"
)

func swapFloat32(f float32) float32 {
	bits := math.Float32bits(f)
	return math.Float32frombits(uint32(swapByteOrder(uint64(bits), 4)))
}

func swapFloat64(f float64) float64 {
	bits := math.Float64bits(f)
	return math.Float64frombits(swapByteOrder(bits, 8))
}

// SwapEndianness walks v (of type id against dict) and returns a copy with
// every multi-byte atomic field byte-reversed. Used when a message is
// forwarded between a back end and a front end that disagree on native byte
// order without re-parsing
// the value from its wire bytes.
func SwapEndianness(dict *Dictionary, id TypeID, v any) (any, error) {
	return swapDepth(dict, id, v, 0)
}

func swapDepth(dict *Dictionary, id TypeID, v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	if IsAtomic(id) {
		return swapAtomic(id, v)
	}
	c, ok := dict.Get(id)
	if !ok {
		return nil, fmt.Errorf("datatype: undefined type %v", id)
	}
	switch c.Kind {
	case KindPointer:
		p, ok := v.(Pointer)
		if !ok {
			return nil, typeErr(id, v)
		}
		if !p.Valid {
			return p, nil
		}
		elem, err := swapDepth(dict, c.Elem, p.Elem, depth+1)
		if err != nil {
			return nil, err
		}
		return Pointer{Valid: true, Elem: elem}, nil
	case KindFixedArray, KindVector:
		elems, ok := v.([]any)
		if !ok {
			return nil, typeErr(id, v)
		}
		out := make([]any, len(elems))
		for i, e := range elems {
			s, err := swapDepth(dict, c.Elem, e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case KindStructure:
		fields, ok := v.([]any)
		if !ok || len(fields) != len(c.Fields) {
			return nil, typeErr(id, v)
		}
		out := make([]any, len(fields))
		for i, f := range c.Fields {
			s, err := swapDepth(dict, f.TypeID, fields[i], depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("datatype: unknown compound kind %v", c.Kind)
}

// swapByteOrder reverses the bytes of a fixed-width unsigned integer of
// width size (1, 2, 4, or 8), leaving 1-byte values unchanged.
func swapByteOrder(v uint64, size int) uint64 {
	var out uint64
	for i := 0; i < size; i++ {
		out = out<<8 | (v & 0xff)
		v >>= 8
	}
	return out
}

func swapAtomic(id TypeID, v any) (any, error) {
	switch id {
	case Bool, Char, SInt8, UInt8, VarInt, String:
		// single-byte atomics have no byte order; VarInt and String are
		// self-delimiting byte sequences, not machine scalars, so they
		// pass through unswapped.
		return v, nil
	case SInt16:
		n, ok := v.(int16)
		if !ok {
			return nil, typeErr(id, v)
		}
		return int16(swapByteOrder(uint64(uint16(n)), 2)), nil
	case UInt16:
		n, ok := v.(uint16)
		if !ok {
			return nil, typeErr(id, v)
		}
		return uint16(swapByteOrder(uint64(n), 2)), nil
	case SInt32:
		n, ok := v.(int32)
		if !ok {
			return nil, typeErr(id, v)
		}
		return int32(swapByteOrder(uint64(uint32(n)), 4)), nil
	case UInt32:
		n, ok := v.(uint32)
		if !ok {
			return nil, typeErr(id, v)
		}
		return uint32(swapByteOrder(uint64(n), 4)), nil
	case SInt64:
		n, ok := v.(int64)
		if !ok {
			return nil, typeErr(id, v)
		}
		return int64(swapByteOrder(uint64(n), 8)), nil
	case UInt64:
		n, ok := v.(uint64)
		if !ok {
			return nil, typeErr(id, v)
		}
		return swapByteOrder(n, 8), nil
	case Float32:
		f, ok := v.(float32)
		if !ok {
			return nil, typeErr(id, v)
		}
		return swapFloat32(f), nil
	case Float64:
		f, ok := v.(float64)
		if !ok {
			return nil, typeErr(id, v)
		}
		return swapFloat64(f), nil
	}
	return nil, fmt.Errorf("datatype: unknown atomic type %v", id)
}
