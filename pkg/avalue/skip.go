package avalue

import "github.com/aldrinbus/aldrin-go/pkg/abin"

// SkipValue advances r past one complete value without materializing it.
// SerializedValue.Validate is built on it; a schema-driven decoder can use it
// to step over struct fields it does not know.
func SkipValue(r *abin.Reader) error {
	skipValue(r, 0)
	return r.Err()
}

func skipValue(r *abin.Reader, depth int) {
	depth++
	if depth > MaxDepth {
		r.Fail(abin.ErrInvalidSerialization)
		return
	}

	kind := ValueKind(r.U8())
	if r.Err() != nil {
		return
	}

	switch kind {
	case KindNone, KindUnit:
	case KindSome:
		skipValue(r, depth)
	case KindBool:
		r.Bool()
	case KindU8, KindI8:
		r.U8()
	case KindU16:
		r.U16()
	case KindI16:
		r.I16()
	case KindU32:
		r.U32()
	case KindI32:
		r.I32()
	case KindU64:
		r.U64()
	case KindI64:
		r.I64()
	case KindF32:
		r.Span(4)
	case KindF64:
		r.Span(8)
	case KindString, KindBytes:
		n := r.Uvarint()
		if r.Err() == nil && n <= uint64(r.Len()) {
			r.Span(int(n))
		} else if r.Err() == nil {
			r.Fail(abin.ErrUnexpectedEoi)
		}
	case KindUuid, KindSender, KindReceiver:
		r.Span(16)
	case KindObjectId:
		r.Span(32)
	case KindServiceId:
		r.Span(64)
	case KindVec:
		n := r.Uvarint()
		for i := uint64(0); i < n && r.Err() == nil; i++ {
			skipValue(r, depth)
		}
	case KindMap:
		n := r.Uvarint()
		for i := uint64(0); i < n && r.Err() == nil; i++ {
			skipKeyTagged(r)
			skipValue(r, depth)
		}
	case KindSet:
		n := r.Uvarint()
		for i := uint64(0); i < n && r.Err() == nil; i++ {
			skipKeyTagged(r)
		}
	case KindStruct:
		n := r.Uvarint()
		for i := uint64(0); i < n && r.Err() == nil; i++ {
			r.U32()
			skipValue(r, depth)
		}
	case KindEnum:
		r.U32()
		skipValue(r, depth)
	default:
		r.Fail(abin.ErrInvalidSerialization)
	}
}

func skipKeyTagged(r *abin.Reader) {
	kind := ValueKind(r.U8())
	if r.Err() != nil {
		return
	}
	switch kind {
	case KindU8, KindI8:
		r.U8()
	case KindU16:
		r.U16()
	case KindI16:
		r.I16()
	case KindU32:
		r.U32()
	case KindI32:
		r.I32()
	case KindU64:
		r.U64()
	case KindI64:
		r.I64()
	case KindString:
		r.String()
	case KindUuid:
		r.Span(16)
	default:
		r.Fail(abin.ErrInvalidSerialization)
	}
}
