package datatype

import (
	"fmt"
	"math"
)

// StreamReader incrementally decodes a single value without ever blocking
// the event loop for more bytes than are already buffered. Feed() is called
// whenever the dispatcher thread has more bytes available; it reports how
// many additional bytes are needed before the reader can make further
// progress. Nesting is bounded to maxDepth frames, same ceiling as the
// direct Read/Write path.
type StreamReader struct {
	dict *Dictionary
	root TypeID

	stack []frame
	done  bool
	value any
}

// frame is one entry in the explicit work-stack: the type being decoded,
// accumulated child values, and how many children remain before frame is
// complete.
type frame struct {
	id       TypeID
	want     int // number of child values still needed, -1 for atomics (handled inline)
	children []any

	// elem/fields/ptrValid/lenKnown carry the parameters a Vector/
	// FixedArray/Pointer/Structure frame needs to resume once its own
	// length prefix (if any) has been read.
	elem     TypeID
	fields   []Field
	ptrValid bool
	lenKnown bool
}

// NewStreamReader begins decoding a value of type id against dict.
func NewStreamReader(dict *Dictionary, id TypeID) *StreamReader {
	sr := &StreamReader{dict: dict, root: id}
	sr.push(id)
	return sr
}

func (sr *StreamReader) push(id TypeID) error {
	if len(sr.stack) >= maxDepth {
		return ErrTooDeep
	}
	sr.stack = append(sr.stack, frame{id: id, want: -1})
	return nil
}

// Done reports whether the full value has been decoded.
func (sr *StreamReader) Done() bool { return sr.done }

// Value returns the fully decoded value. Valid only once Done() is true.
func (sr *StreamReader) Value() any { return sr.value }

// Feed advances decoding as far as buf (the bytes received so far since the
// last successful progress step) allows. It returns the number of bytes
// still needed before the next call can make progress, or 0 if the value is
// now fully decoded (Done() is then true). buf must start at the first
// not-yet-consumed byte; Feed does not retain buf across calls — the caller
// re-presents the same logical stream position each time with however many
// more bytes have arrived.
func (sr *StreamReader) Feed(buf []byte) (needed int, err error) {
	for {
		if len(sr.stack) == 0 {
			sr.done = true
			return 0, nil
		}
		top := &sr.stack[len(sr.stack)-1]

		if IsAtomic(top.id) {
			n, v, ok, err := tryReadAtomic(top.id, buf)
			if err != nil {
				return 0, err
			}
			if !ok {
				return n, nil
			}
			buf = buf[n:]
			sr.pop(v)
			continue
		}

		c, ok := sr.dict.Get(top.id)
		if !ok {
			return 0, fmt.Errorf("datatype: undefined type %v", top.id)
		}

		switch c.Kind {
		case KindPointer:
			if !top.lenKnown {
				if len(buf) < 1 {
					return 1, nil
				}
				top.ptrValid = buf[0] != 0
				top.lenKnown = true
				buf = buf[1:]
				if !top.ptrValid {
					sr.pop(Pointer{Valid: false})
					continue
				}
				if err := sr.push(c.Elem); err != nil {
					return 0, err
				}
				continue
			}
			// the pushed element frame has finished and deposited its
			// value into our children slice; wrap it and finish.
			sr.pop(Pointer{Valid: true, Elem: top.children[0]})
			continue

		case KindFixedArray:
			if top.want == -1 {
				top.want = c.Count
				top.elem = c.Elem
				top.children = make([]any, 0, c.Count)
			}
			if top.want == 0 {
				sr.pop(append([]any(nil), top.children...))
				continue
			}
			top.want--
			if err := sr.push(top.elem); err != nil {
				return 0, err
			}
			continue

		case KindVector:
			if !top.lenKnown {
				n, v, ok, err := tryReadAtomic(VarInt, buf)
				if err != nil {
					return 0, err
				}
				if !ok {
					return n, nil
				}
				buf = buf[n:]
				count := int(v.(uint32))
				top.lenKnown = true
				top.want = count
				top.elem = c.Elem
				top.children = make([]any, 0, count)
				if count == 0 {
					sr.pop([]any{})
					continue
				}
				top.want--
				if err := sr.push(top.elem); err != nil {
					return 0, err
				}
				continue
			}
			if top.want == 0 {
				sr.pop(append([]any(nil), top.children...))
				continue
			}
			top.want--
			if err := sr.push(top.elem); err != nil {
				return 0, err
			}
			continue

		case KindStructure:
			if top.want == -1 {
				top.want = len(c.Fields)
				top.fields = c.Fields
				top.children = make([]any, 0, len(c.Fields))
			}
			if top.want == 0 {
				sr.pop(append([]any(nil), top.children...))
				continue
			}
			idx := len(top.fields) - top.want
			top.want--
			if err := sr.push(top.fields[idx].TypeID); err != nil {
				return 0, err
			}
			continue
		}
		return 0, fmt.Errorf("datatype: unknown compound kind %v", c.Kind)
	}
}

// pop finishes the current (innermost) frame with value v and, if a parent
// frame exists, appends v to its children; otherwise records v as the final
// decoded value.
func (sr *StreamReader) pop(v any) {
	sr.stack = sr.stack[:len(sr.stack)-1]
	if len(sr.stack) == 0 {
		sr.value = v
		return
	}
	parent := &sr.stack[len(sr.stack)-1]
	parent.children = append(parent.children, v)
}

// tryReadAtomic attempts to decode one atomic value from the front of buf.
// ok is false (with needed > 0) if buf does not yet hold enough bytes.
func tryReadAtomic(id TypeID, buf []byte) (consumed int, v any, ok bool, err error) {
	if sz, fixed := atomicFixedSize(id); fixed {
		if len(buf) < sz {
			return sz - len(buf), nil, false, nil
		}
		val, err := decodeFixedAtomic(id, buf[:sz])
		return sz, val, true, err
	}
	switch id {
	case VarInt:
		val, n, err := GetVarIntPartial(buf)
		if err != nil {
			if err == errVarIntIncomplete {
				return 1, nil, false, nil
			}
			return 0, nil, false, err
		}
		return n, val, true, nil
	case String:
		strLen, n, err := GetVarIntPartial(buf)
		if err != nil {
			if err == errVarIntIncomplete {
				return 1, nil, false, nil
			}
			return 0, nil, false, err
		}
		total := n + int(strLen)
		if len(buf) < total {
			return total - len(buf), nil, false, nil
		}
		return total, string(buf[n:total]), true, nil
	}
	return 0, nil, false, fmt.Errorf("datatype: unknown atomic type %v", id)
}

func decodeFixedAtomic(id TypeID, b []byte) (any, error) {
	switch id {
	case Bool:
		return b[0] != 0, nil
	case Char, UInt8:
		return b[0], nil
	case SInt8:
		return int8(b[0]), nil
	case SInt16:
		return int16(leU16(b)), nil
	case UInt16:
		return leU16(b), nil
	case SInt32:
		return int32(leU32(b)), nil
	case UInt32:
		return leU32(b), nil
	case SInt64:
		return int64(leU64(b)), nil
	case UInt64:
		return leU64(b), nil
	case Float32:
		return math.Float32frombits(leU32(b)), nil
	case Float64:
		return math.Float64frombits(leU64(b)), nil
	}
	return nil, fmt.Errorf("datatype: unknown fixed atomic type %v", id)
}

// errVarIntIncomplete signals GetVarIntPartial ran out of buffer before
// finding a terminating (high-bit-clear) byte, as distinct from a malformed
// (over-long) encoding.
var errVarIntIncomplete = fmt.Errorf("datatype: varint needs more bytes")

// GetVarIntPartial is like wire.GetVarInt but distinguishes "need more
// bytes" (errVarIntIncomplete) from a genuinely malformed encoding, so the
// streaming reader can ask for exactly one more byte at a time instead of
// failing outright on a VarInt that straddles a Feed boundary.
func GetVarIntPartial(src []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		if i >= len(src) {
			return 0, 0, errVarIntIncomplete
		}
		b := src[i]
		v |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("datatype: malformed varint")
}

func leU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
