package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortWrite is returned when a Writer's remaining capacity is smaller
// than the value being written.
var ErrShortWrite = errors.New("wire: write exceeds buffer capacity")

// ErrShortRead is returned when a Reader has fewer bytes remaining than the
// value being read requires.
var ErrShortRead = errors.New("wire: read past end of buffer")

// byteOrder selects which encoding/binary.ByteOrder a cursor uses for
// multi-byte scalars. swapOnRead (set from the peer's endianness marker
// during the handshake) selects BigEndian when the peer's native order
// differs from ours; otherwise LittleEndian.
func byteOrderFor(swap bool) binary.ByteOrder {
	if swap {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Reader is a sequential, non-owning cursor over a MessageBuffer's body.
type Reader struct {
	buf  []byte
	pos  int
	swap bool
}

// NewReader returns a Reader over b's body. swapOnRead governs whether
// multi-byte scalars are byte-swapped as they are read.
func NewReader(b *MessageBuffer, swapOnRead bool) *Reader {
	return &Reader{buf: b.Body(), swap: swapOnRead}
}

// NewBodyReader returns a Reader over a raw byte slice (used for datagrams,
// which are not MessageBuffer-backed on read).
func NewBodyReader(body []byte, swapOnRead bool) *Reader {
	return &Reader{buf: body, swap: swapOnRead}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrShortRead
	}
	return nil
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) I8() (int8, error) {
	v, err := r.U8()
	return int8(v), err
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return byteOrderFor(r.swap).Uint16(b), nil
}

func (r *Reader) I16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return byteOrderFor(r.swap).Uint32(b), nil
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return byteOrderFor(r.swap).Uint64(b), nil
}

func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	return math.Float32frombits(v), err
}

func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	return math.Float64frombits(v), err
}

// VarInt reads a VarInt-encoded uint32.
func (r *Reader) VarInt() (uint32, error) {
	v, n, err := GetVarInt(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

// String reads a VarInt length followed by that many raw bytes, interpreted
// as UTF-8.
func (r *Reader) String() (string, error) {
	n, err := r.VarInt()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FixedString reads exactly n bytes and trims trailing NUL padding, matching
// the handshake's null-padded name fields.
func (r *Reader) FixedString(n int) (string, error) {
	b, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end]), nil
}

// Writer is a sequential cursor over a fixed-capacity byte slice; it never
// grows the slice and refuses writes that would exceed it.
type Writer struct {
	buf  []byte
	pos  int
	swap bool
}

// NewWriter returns a Writer over b's body.
func NewWriter(b *MessageBuffer, swapOnWrite bool) *Writer {
	return &Writer{buf: b.Body(), swap: swapOnWrite}
}

// NewBodyWriter returns a Writer over a caller-supplied fixed-capacity slice
// (used to build datagram payloads, which are not MessageBuffer-backed).
func NewBodyWriter(buf []byte, swapOnWrite bool) *Writer {
	return &Writer{buf: buf, swap: swapOnWrite}
}

func (w *Writer) Remaining() int { return len(w.buf) - w.pos }

func (w *Writer) need(n int) error {
	if w.Remaining() < n {
		return ErrShortWrite
	}
	return nil
}

func (w *Writer) Bytes(b []byte) error {
	if err := w.need(len(b)); err != nil {
		return err
	}
	copy(w.buf[w.pos:], b)
	w.pos += len(b)
	return nil
}

func (w *Writer) Bool(v bool) error {
	var b byte
	if v {
		b = 1
	}
	return w.Bytes([]byte{b})
}

func (w *Writer) U8(v uint8) error { return w.Bytes([]byte{v}) }
func (w *Writer) I8(v int8) error  { return w.U8(uint8(v)) }

func (w *Writer) U16(v uint16) error {
	if err := w.need(2); err != nil {
		return err
	}
	byteOrderFor(w.swap).PutUint16(w.buf[w.pos:], v)
	w.pos += 2
	return nil
}
func (w *Writer) I16(v int16) error { return w.U16(uint16(v)) }

func (w *Writer) U32(v uint32) error {
	if err := w.need(4); err != nil {
		return err
	}
	byteOrderFor(w.swap).PutUint32(w.buf[w.pos:], v)
	w.pos += 4
	return nil
}
func (w *Writer) I32(v int32) error { return w.U32(uint32(v)) }

func (w *Writer) U64(v uint64) error {
	if err := w.need(8); err != nil {
		return err
	}
	byteOrderFor(w.swap).PutUint64(w.buf[w.pos:], v)
	w.pos += 8
	return nil
}
func (w *Writer) I64(v int64) error { return w.U64(uint64(v)) }

func (w *Writer) F32(v float32) error { return w.U32(math.Float32bits(v)) }
func (w *Writer) F64(v float64) error { return w.U64(math.Float64bits(v)) }

// VarInt writes v using the VarInt codec.
func (w *Writer) VarInt(v uint32) error {
	if err := w.need(VarIntLen(v)); err != nil {
		return err
	}
	n := PutVarInt(w.buf[w.pos:], v)
	w.pos += n
	return nil
}

// String writes a VarInt length followed by s's raw bytes.
func (w *Writer) String(s string) error {
	if err := w.VarInt(uint32(len(s))); err != nil {
		return err
	}
	return w.Bytes([]byte(s))
}

// FixedString writes s truncated/NUL-padded to exactly n bytes.
func (w *Writer) FixedString(s string, n int) error {
	b := make([]byte, n)
	copy(b, s)
	return w.Bytes(b)
}

// Editor allows in-place rewrite of already-written bytes at an arbitrary
// offset, used to fix up a deferred message-ID header or to byte-swap a
// forwarded payload without reallocating.
type Editor struct {
	buf  []byte
	swap bool
}

// NewEditor returns an Editor over b's full raw representation (header +
// body), so it can rewrite the ID field as well as the body.
func NewEditor(b *MessageBuffer, swap bool) *Editor {
	return &Editor{buf: b.Raw(), swap: swap}
}

func (e *Editor) PutU16At(off int, v uint16) {
	byteOrderFor(e.swap).PutUint16(e.buf[off:off+2], v)
}

func (e *Editor) PutU32At(off int, v uint32) {
	byteOrderFor(e.swap).PutUint32(e.buf[off:off+4], v)
}

func (e *Editor) U16At(off int) uint16 {
	return byteOrderFor(e.swap).Uint16(e.buf[off : off+2])
}

func (e *Editor) U32At(off int) uint32 {
	return byteOrderFor(e.swap).Uint32(e.buf[off : off+4])
}

// SwapU16At swaps the byte order of the u16 at off in place, regardless of
// the editor's configured swap flag. Used when forwarding a message whose
// source and destination disagree on endianness.
func (e *Editor) SwapU16At(off int) {
	v := binary.LittleEndian.Uint16(e.buf[off : off+2])
	v = v<<8 | v>>8
	binary.LittleEndian.PutUint16(e.buf[off:off+2], v)
}

// SwapU32At swaps the byte order of the u32 at off in place.
func (e *Editor) SwapU32At(off int) {
	v := binary.LittleEndian.Uint32(e.buf[off : off+4])
	v = (v<<24)&0xff000000 | (v<<8)&0x00ff0000 | (v>>8)&0x0000ff00 | (v >> 24)
	binary.LittleEndian.PutUint32(e.buf[off:off+4], v)
}
