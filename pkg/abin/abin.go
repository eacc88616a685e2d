// Package abin provides the primitive byte encoding used by the aldrin wire
// format: little-endian varints with a continuation bit, zig-zag signed
// varints, fixed-width little-endian floats, and a bounded reader over a byte
// slice.
//
// Writers are append-style: every Append* function appends to dst and returns
// the extended slice. Readers consume from a Reader and latch the first error;
// once a Reader has errored, all further reads return zero values.
package abin

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrUnexpectedEoi is returned when input ends before a value is complete.
	ErrUnexpectedEoi = errors.New("unexpected end of input")

	// ErrInvalidSerialization is returned when bytes cannot encode the
	// requested value, e.g. a varint wider than its target type.
	ErrInvalidSerialization = errors.New("invalid serialization")

	// ErrTrailingData is returned by Complete when input remains after the
	// value that was expected to end it.
	ErrTrailingData = errors.New("serialization contains trailing data")
)

// AppendU8 appends one byte.
func AppendU8(dst []byte, v uint8) []byte { return append(dst, v) }

// AppendBool appends 0 or 1.
func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// AppendUvarint appends v as little-endian 7-bit groups, least significant
// group first, high bit set on all but the final byte.
func AppendUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// AppendVarint appends v zig-zag encoded.
func AppendVarint(dst []byte, v int64) []byte {
	return AppendUvarint(dst, uint64(v)<<1^uint64(v>>63))
}

// AppendU16 appends v as an unsigned varint.
func AppendU16(dst []byte, v uint16) []byte { return AppendUvarint(dst, uint64(v)) }

// AppendU32 appends v as an unsigned varint.
func AppendU32(dst []byte, v uint32) []byte { return AppendUvarint(dst, uint64(v)) }

// AppendU64 appends v as an unsigned varint.
func AppendU64(dst []byte, v uint64) []byte { return AppendUvarint(dst, v) }

// AppendI16 appends v as a zig-zag varint.
func AppendI16(dst []byte, v int16) []byte { return AppendVarint(dst, int64(v)) }

// AppendI32 appends v as a zig-zag varint.
func AppendI32(dst []byte, v int32) []byte { return AppendVarint(dst, int64(v)) }

// AppendI64 appends v as a zig-zag varint.
func AppendI64(dst []byte, v int64) []byte { return AppendVarint(dst, v) }

// AppendF32 appends v as 4 fixed little-endian IEEE-754 bytes.
func AppendF32(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}

// AppendF64 appends v as 8 fixed little-endian IEEE-754 bytes.
func AppendF64(dst []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
}

// AppendFixedU32 appends v as 4 little-endian bytes. Frame length prefixes use
// this, never varints.
func AppendFixedU32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// AppendString appends a varint length followed by the raw UTF-8 bytes.
func AppendString(dst []byte, s string) []byte {
	dst = AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// AppendBytes appends a varint length followed by the raw bytes.
func AppendBytes(dst []byte, b []byte) []byte {
	dst = AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// Reader reads primitives from Src, latching the first error.
type Reader struct {
	Src []byte
	err error
}

// Err returns the latched error, if any.
func (r *Reader) Err() error { return r.err }

// Fail latches err if no error is latched yet. Callers layering validation on
// top of the primitives use this to poison the reader.
func (r *Reader) Fail(err error) { r.fail(err) }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.Src) }

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	if r.err != nil {
		return 0
	}
	if len(r.Src) < 1 {
		r.fail(ErrUnexpectedEoi)
		return 0
	}
	v := r.Src[0]
	r.Src = r.Src[1:]
	return v
}

// Bool reads one byte and requires it to be 0 or 1.
func (r *Reader) Bool() bool {
	switch r.U8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(ErrInvalidSerialization)
		return false
	}
}

// Uvarint reads an unsigned varint of up to 64 bits.
func (r *Reader) Uvarint() uint64 {
	return r.uvarintBits(64)
}

// uvarintBits reads an unsigned varint and rejects values that do not fit in
// the given bit width.
func (r *Reader) uvarintBits(bits uint) uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	var shift uint
	for {
		if len(r.Src) == 0 {
			r.fail(ErrUnexpectedEoi)
			return 0
		}
		b := r.Src[0]
		r.Src = r.Src[1:]
		if shift+7 >= 64 && b>>(64-shift) != 0 {
			r.fail(ErrInvalidSerialization)
			return 0
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			r.fail(ErrInvalidSerialization)
			return 0
		}
	}
	if bits < 64 && v >= 1<<bits {
		r.fail(ErrInvalidSerialization)
		return 0
	}
	return v
}

// Varint reads a zig-zag varint of up to 64 bits.
func (r *Reader) Varint() int64 {
	v := r.Uvarint()
	return int64(v>>1) ^ -int64(v&1)
}

// U16 reads an unsigned varint bounded to 16 bits.
func (r *Reader) U16() uint16 { return uint16(r.uvarintBits(16)) }

// U32 reads an unsigned varint bounded to 32 bits.
func (r *Reader) U32() uint32 { return uint32(r.uvarintBits(32)) }

// U64 reads an unsigned varint.
func (r *Reader) U64() uint64 { return r.Uvarint() }

// I16 reads a zig-zag varint bounded to 16 bits.
func (r *Reader) I16() int16 {
	v := r.Varint()
	if v < math.MinInt16 || v > math.MaxInt16 {
		r.fail(ErrInvalidSerialization)
		return 0
	}
	return int16(v)
}

// I32 reads a zig-zag varint bounded to 32 bits.
func (r *Reader) I32() int32 {
	v := r.Varint()
	if v < math.MinInt32 || v > math.MaxInt32 {
		r.fail(ErrInvalidSerialization)
		return 0
	}
	return int32(v)
}

// I64 reads a zig-zag varint.
func (r *Reader) I64() int64 { return r.Varint() }

// F32 reads 4 fixed little-endian bytes.
func (r *Reader) F32() float32 {
	b := r.Span(4)
	if r.err != nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// F64 reads 8 fixed little-endian bytes.
func (r *Reader) F64() float64 {
	b := r.Span(8)
	if r.err != nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// FixedU32 reads 4 little-endian bytes.
func (r *Reader) FixedU32() uint32 {
	b := r.Span(4)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Span returns the next n bytes without copying.
func (r *Reader) Span(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.Src) < n {
		r.fail(ErrUnexpectedEoi)
		return nil
	}
	b := r.Src[:n:n]
	r.Src = r.Src[n:]
	return b
}

// String reads a varint length followed by that many UTF-8 bytes.
func (r *Reader) String() string {
	n := r.Uvarint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.Src)) {
		r.fail(ErrUnexpectedEoi)
		return ""
	}
	return string(r.Span(int(n)))
}

// Bytes reads a varint length followed by that many raw bytes.
func (r *Reader) Bytes() []byte {
	n := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.Src)) {
		r.fail(ErrUnexpectedEoi)
		return nil
	}
	return r.Span(int(n))
}

// Complete returns the latched error, or ErrTrailingData if unread bytes
// remain.
func (r *Reader) Complete() error {
	if r.err != nil {
		return r.err
	}
	if len(r.Src) != 0 {
		return ErrTrailingData
	}
	return nil
}
