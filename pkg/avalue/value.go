// Package avalue implements the self-describing aldrin value format: a 1-byte
// kind tag followed by a kind-specific payload. Values round-trip through
// Serialize/Deserialize, can be skipped without materializing, and are bounded
// to MaxDepth levels of nesting in both directions.
package avalue

import (
	"errors"

	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/google/uuid"
)

// MaxDepth bounds value nesting for both serialization and deserialization.
const MaxDepth = 32

var (
	// ErrTooDeeplyNested is returned when a value exceeds MaxDepth.
	ErrTooDeeplyNested = errors.New("value too deeply nested")

	// ErrInvalidValue is returned when a value cannot be serialized, e.g. an
	// unsupported key type.
	ErrInvalidValue = errors.New("invalid value")
)

// ValueKind tags the payload that follows it.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindSome
	KindBool
	KindU8
	KindI8
	KindU16
	KindI16
	KindU32
	KindI32
	KindU64
	KindI64
	KindF32
	KindF64
	KindUnit
	KindString
	KindUuid
	KindObjectId
	KindServiceId
	KindVec
	KindBytes
	KindMap
	KindSet
	KindStruct
	KindEnum
	KindSender
	KindReceiver
)

func (k ValueKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSome:
		return "some"
	case KindBool:
		return "bool"
	case KindU8:
		return "u8"
	case KindI8:
		return "i8"
	case KindU16:
		return "u16"
	case KindI16:
		return "i16"
	case KindU32:
		return "u32"
	case KindI32:
		return "i32"
	case KindU64:
		return "u64"
	case KindI64:
		return "i64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindUnit:
		return "unit"
	case KindString:
		return "string"
	case KindUuid:
		return "uuid"
	case KindObjectId:
		return "object-id"
	case KindServiceId:
		return "service-id"
	case KindVec:
		return "vec"
	case KindBytes:
		return "bytes"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindSender:
		return "sender"
	case KindReceiver:
		return "receiver"
	default:
		return "invalid"
	}
}

// Value is one node of a decoded value tree.
type Value interface {
	Kind() ValueKind
}

// Key is a map or set key. Keys are restricted to integers, strings and UUIDs
// and encode without an outer kind byte; the containing map tags each element
// with the key kind instead.
type Key interface {
	KeyKind() ValueKind
}

type (
	None struct{}
	Some struct{ Value Value }
	Bool bool
	U8   uint8
	I8   int8
	U16  uint16
	I16  int16
	U32  uint32
	I32  int32
	U64  uint64
	I64  int64
	F32  float32
	F64  float64
	Unit struct{}

	String string
	Uuid   uuid.UUID

	ObjectId  aids.ObjectId
	ServiceId aids.ServiceId

	Vec   []Value
	Bytes []byte

	// Map and Set key entries are tagged per element, so mixed key kinds
	// deserialize fine even though well-typed writers emit a single kind.
	Map map[Key]Value
	Set map[Key]struct{}

	// Struct maps field ids to field values. Unknown fields are skippable by
	// consumers that decode against a schema.
	Struct map[uint32]Value

	// Enum is a discriminant plus a single payload value (Unit for dataless
	// variants).
	Enum struct {
		Variant uint32
		Value   Value
	}

	// Sender and Receiver carry the cookie of a channel end. The broker
	// routes value regions without inspecting them, so it does not rebind
	// channel-end ownership when one crosses a connection boundary.
	Sender   aids.ChannelCookie
	Receiver aids.ChannelCookie
)

func (None) Kind() ValueKind      { return KindNone }
func (Some) Kind() ValueKind      { return KindSome }
func (Bool) Kind() ValueKind      { return KindBool }
func (U8) Kind() ValueKind        { return KindU8 }
func (I8) Kind() ValueKind        { return KindI8 }
func (U16) Kind() ValueKind       { return KindU16 }
func (I16) Kind() ValueKind       { return KindI16 }
func (U32) Kind() ValueKind       { return KindU32 }
func (I32) Kind() ValueKind       { return KindI32 }
func (U64) Kind() ValueKind       { return KindU64 }
func (I64) Kind() ValueKind       { return KindI64 }
func (F32) Kind() ValueKind       { return KindF32 }
func (F64) Kind() ValueKind       { return KindF64 }
func (Unit) Kind() ValueKind      { return KindUnit }
func (String) Kind() ValueKind    { return KindString }
func (Uuid) Kind() ValueKind      { return KindUuid }
func (ObjectId) Kind() ValueKind  { return KindObjectId }
func (ServiceId) Kind() ValueKind { return KindServiceId }
func (Vec) Kind() ValueKind       { return KindVec }
func (Bytes) Kind() ValueKind     { return KindBytes }
func (Map) Kind() ValueKind       { return KindMap }
func (Set) Kind() ValueKind       { return KindSet }
func (Struct) Kind() ValueKind    { return KindStruct }
func (Enum) Kind() ValueKind      { return KindEnum }
func (Sender) Kind() ValueKind    { return KindSender }
func (Receiver) Kind() ValueKind  { return KindReceiver }

func (U8) KeyKind() ValueKind     { return KindU8 }
func (I8) KeyKind() ValueKind     { return KindI8 }
func (U16) KeyKind() ValueKind    { return KindU16 }
func (I16) KeyKind() ValueKind    { return KindI16 }
func (U32) KeyKind() ValueKind    { return KindU32 }
func (I32) KeyKind() ValueKind    { return KindI32 }
func (U64) KeyKind() ValueKind    { return KindU64 }
func (I64) KeyKind() ValueKind    { return KindI64 }
func (String) KeyKind() ValueKind { return KindString }
func (Uuid) KeyKind() ValueKind   { return KindUuid }
