package avalue

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/google/uuid"
)

// Serialize encodes v, kind tag included.
func Serialize(v Value) ([]byte, error) {
	return Append(nil, v)
}

// Append encodes v onto dst and returns the extended slice.
func Append(dst []byte, v Value) ([]byte, error) {
	return appendValue(dst, v, 0)
}

func appendValue(dst []byte, v Value, depth int) ([]byte, error) {
	depth++
	if depth > MaxDepth {
		return nil, ErrTooDeeplyNested
	}
	if v == nil {
		return nil, ErrInvalidValue
	}

	dst = abin.AppendU8(dst, uint8(v.Kind()))

	var err error
	switch v := v.(type) {
	case None, Unit:
	case Some:
		dst, err = appendValue(dst, v.Value, depth)
	case Bool:
		dst = abin.AppendBool(dst, bool(v))
	case U8:
		dst = abin.AppendU8(dst, uint8(v))
	case I8:
		dst = abin.AppendU8(dst, uint8(v))
	case U16:
		dst = abin.AppendU16(dst, uint16(v))
	case I16:
		dst = abin.AppendI16(dst, int16(v))
	case U32:
		dst = abin.AppendU32(dst, uint32(v))
	case I32:
		dst = abin.AppendI32(dst, int32(v))
	case U64:
		dst = abin.AppendU64(dst, uint64(v))
	case I64:
		dst = abin.AppendI64(dst, int64(v))
	case F32:
		dst = abin.AppendF32(dst, float32(v))
	case F64:
		dst = abin.AppendF64(dst, float64(v))
	case String:
		dst = abin.AppendString(dst, string(v))
	case Uuid:
		dst = append(dst, v[:]...)
	case ObjectId:
		dst = appendObjectId(dst, v)
	case ServiceId:
		dst = appendObjectId(dst, ObjectId(v.Object))
		u := uuid.UUID(v.Uuid)
		c := uuid.UUID(v.Cookie)
		dst = append(dst, u[:]...)
		dst = append(dst, c[:]...)
	case Vec:
		dst = abin.AppendUvarint(dst, uint64(len(v)))
		for _, elem := range v {
			if dst, err = appendValue(dst, elem, depth); err != nil {
				return nil, err
			}
		}
	case Bytes:
		dst = abin.AppendBytes(dst, v)
	case Map:
		dst = abin.AppendUvarint(dst, uint64(len(v)))
		for key, val := range v {
			if dst, err = appendKeyTagged(dst, key); err != nil {
				return nil, err
			}
			if dst, err = appendValue(dst, val, depth); err != nil {
				return nil, err
			}
		}
	case Set:
		dst = abin.AppendUvarint(dst, uint64(len(v)))
		for key := range v {
			if dst, err = appendKeyTagged(dst, key); err != nil {
				return nil, err
			}
		}
	case Struct:
		dst = abin.AppendUvarint(dst, uint64(len(v)))
		for id, field := range v {
			dst = abin.AppendU32(dst, id)
			if dst, err = appendValue(dst, field, depth); err != nil {
				return nil, err
			}
		}
	case Enum:
		dst = abin.AppendU32(dst, v.Variant)
		dst, err = appendValue(dst, v.Value, depth)
	case Sender:
		u := uuid.UUID(v)
		dst = append(dst, u[:]...)
	case Receiver:
		u := uuid.UUID(v)
		dst = append(dst, u[:]...)
	default:
		return nil, ErrInvalidValue
	}
	if err != nil {
		return nil, err
	}
	return dst, nil
}

func appendObjectId(dst []byte, id ObjectId) []byte {
	u := uuid.UUID(id.Uuid)
	c := uuid.UUID(id.Cookie)
	dst = append(dst, u[:]...)
	return append(dst, c[:]...)
}

// appendKeyTagged encodes a key kind byte followed by the bare key payload.
func appendKeyTagged(dst []byte, key Key) ([]byte, error) {
	dst = abin.AppendU8(dst, uint8(key.KeyKind()))
	return AppendKey(dst, key)
}

// AppendKey encodes a bare key without any kind tag.
func AppendKey(dst []byte, key Key) ([]byte, error) {
	switch key := key.(type) {
	case U8:
		return abin.AppendU8(dst, uint8(key)), nil
	case I8:
		return abin.AppendU8(dst, uint8(key)), nil
	case U16:
		return abin.AppendU16(dst, uint16(key)), nil
	case I16:
		return abin.AppendI16(dst, int16(key)), nil
	case U32:
		return abin.AppendU32(dst, uint32(key)), nil
	case I32:
		return abin.AppendI32(dst, int32(key)), nil
	case U64:
		return abin.AppendU64(dst, uint64(key)), nil
	case I64:
		return abin.AppendI64(dst, int64(key)), nil
	case String:
		return abin.AppendString(dst, string(key)), nil
	case Uuid:
		return append(dst, key[:]...), nil
	default:
		return nil, ErrInvalidValue
	}
}
