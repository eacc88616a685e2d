package avalue

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/google/uuid"
)

// Deserialize decodes one value from buf and requires it to consume buf
// exactly.
func Deserialize(buf []byte) (Value, error) {
	r := abin.Reader{Src: buf}
	v, err := ReadValue(&r)
	if err != nil {
		return nil, err
	}
	if err := r.Complete(); err != nil {
		return nil, err
	}
	return v, nil
}

// ReadValue decodes one value from r, leaving any bytes after it unread.
func ReadValue(r *abin.Reader) (Value, error) {
	v := readValue(r, 0)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return v, nil
}

func readValue(r *abin.Reader, depth int) Value {
	depth++
	if depth > MaxDepth {
		r.Fail(abin.ErrInvalidSerialization)
		return nil
	}

	kind := ValueKind(r.U8())
	if r.Err() != nil {
		return nil
	}

	switch kind {
	case KindNone:
		return None{}
	case KindUnit:
		return Unit{}
	case KindSome:
		inner := readValue(r, depth)
		if r.Err() != nil {
			return nil
		}
		return Some{Value: inner}
	case KindBool:
		return Bool(r.Bool())
	case KindU8:
		return U8(r.U8())
	case KindI8:
		return I8(r.U8())
	case KindU16:
		return U16(r.U16())
	case KindI16:
		return I16(r.I16())
	case KindU32:
		return U32(r.U32())
	case KindI32:
		return I32(r.I32())
	case KindU64:
		return U64(r.U64())
	case KindI64:
		return I64(r.I64())
	case KindF32:
		return F32(r.F32())
	case KindF64:
		return F64(r.F64())
	case KindString:
		return String(r.String())
	case KindUuid:
		return Uuid(readUuid(r))
	case KindObjectId:
		return ObjectId(readObjectId(r))
	case KindServiceId:
		obj := readObjectId(r)
		u := readUuid(r)
		c := readUuid(r)
		return ServiceId(aids.ServiceId{
			Object: obj,
			Uuid:   aids.ServiceUuid(u),
			Cookie: aids.ServiceCookie(c),
		})
	case KindVec:
		n := r.Uvarint()
		if r.Err() != nil {
			return nil
		}
		vec := make(Vec, 0, boundedCap(n, r.Len()))
		for i := uint64(0); i < n; i++ {
			elem := readValue(r, depth)
			if r.Err() != nil {
				return nil
			}
			vec = append(vec, elem)
		}
		return vec
	case KindBytes:
		b := r.Bytes()
		if r.Err() != nil {
			return nil
		}
		out := make(Bytes, len(b))
		copy(out, b)
		return out
	case KindMap:
		n := r.Uvarint()
		if r.Err() != nil {
			return nil
		}
		m := make(Map, boundedCap(n, r.Len()))
		for i := uint64(0); i < n; i++ {
			key := readKeyTagged(r)
			if r.Err() != nil {
				return nil
			}
			val := readValue(r, depth)
			if r.Err() != nil {
				return nil
			}
			m[key] = val
		}
		return m
	case KindSet:
		n := r.Uvarint()
		if r.Err() != nil {
			return nil
		}
		s := make(Set, boundedCap(n, r.Len()))
		for i := uint64(0); i < n; i++ {
			key := readKeyTagged(r)
			if r.Err() != nil {
				return nil
			}
			s[key] = struct{}{}
		}
		return s
	case KindStruct:
		n := r.Uvarint()
		if r.Err() != nil {
			return nil
		}
		st := make(Struct, boundedCap(n, r.Len()))
		for i := uint64(0); i < n; i++ {
			id := r.U32()
			field := readValue(r, depth)
			if r.Err() != nil {
				return nil
			}
			st[id] = field
		}
		return st
	case KindEnum:
		variant := r.U32()
		inner := readValue(r, depth)
		if r.Err() != nil {
			return nil
		}
		return Enum{Variant: variant, Value: inner}
	case KindSender:
		return Sender(readUuid(r))
	case KindReceiver:
		return Receiver(readUuid(r))
	default:
		r.Fail(abin.ErrInvalidSerialization)
		return nil
	}
}

func readUuid(r *abin.Reader) uuid.UUID {
	b := r.Span(16)
	var u uuid.UUID
	if r.Err() == nil {
		copy(u[:], b)
	}
	return u
}

func readObjectId(r *abin.Reader) aids.ObjectId {
	u := readUuid(r)
	c := readUuid(r)
	return aids.ObjectId{Uuid: aids.ObjectUuid(u), Cookie: aids.ObjectCookie(c)}
}

// readKeyTagged decodes a key kind byte followed by the bare key.
func readKeyTagged(r *abin.Reader) Key {
	kind := ValueKind(r.U8())
	if r.Err() != nil {
		return nil
	}
	return ReadKey(r, kind)
}

// ReadKey decodes a bare key of the given kind from r.
func ReadKey(r *abin.Reader, kind ValueKind) Key {
	switch kind {
	case KindU8:
		return U8(r.U8())
	case KindI8:
		return I8(r.U8())
	case KindU16:
		return U16(r.U16())
	case KindI16:
		return I16(r.I16())
	case KindU32:
		return U32(r.U32())
	case KindI32:
		return I32(r.I32())
	case KindU64:
		return U64(r.U64())
	case KindI64:
		return I64(r.I64())
	case KindString:
		return String(r.String())
	case KindUuid:
		return Uuid(readUuid(r))
	default:
		r.Fail(abin.ErrInvalidSerialization)
		return nil
	}
}

// boundedCap keeps pre-allocations for attacker-chosen lengths proportional to
// the bytes actually present.
func boundedCap(n uint64, remaining int) int {
	if n > uint64(remaining) {
		return remaining
	}
	return int(n)
}
