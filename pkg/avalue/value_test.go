package avalue

import (
	"math"
	"testing"

	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func roundTrip(t *testing.T, v Value) {
	t.Helper()
	buf, err := Serialize(v)
	assert.NilError(t, err)
	got, err := Deserialize(buf)
	assert.NilError(t, err)
	if !cmp.Equal(v, got) {
		t.Fatalf("round trip mismatch:\nwant: %sgot: %s", spew.Sdump(v), spew.Sdump(got))
	}
}

func TestRoundTripScalars(t *testing.T) {
	roundTrip(t, None{})
	roundTrip(t, Unit{})
	roundTrip(t, Bool(true))
	roundTrip(t, Bool(false))
	roundTrip(t, U8(0xff))
	roundTrip(t, I8(-1))
	roundTrip(t, U16(math.MaxUint16))
	roundTrip(t, I16(math.MinInt16))
	roundTrip(t, U32(math.MaxUint32))
	roundTrip(t, I32(math.MinInt32))
	roundTrip(t, U64(math.MaxUint64))
	roundTrip(t, I64(math.MinInt64))
	roundTrip(t, F32(1.5))
	roundTrip(t, F64(-0.125))
	roundTrip(t, String("héllo wörld"))
	roundTrip(t, String(""))
}

func TestRoundTripIds(t *testing.T) {
	u := uuid.New()
	roundTrip(t, Uuid(u))
	roundTrip(t, Sender(aids.ChannelCookie(uuid.New())))
	roundTrip(t, Receiver(aids.ChannelCookie(uuid.New())))

	obj := aids.ObjectId{
		Uuid:   aids.ObjectUuid(uuid.New()),
		Cookie: aids.NewObjectCookie(),
	}
	roundTrip(t, ObjectId(obj))
	roundTrip(t, ServiceId(aids.ServiceId{
		Object: obj,
		Uuid:   aids.ServiceUuid(uuid.New()),
		Cookie: aids.NewServiceCookie(),
	}))
}

func TestRoundTripContainers(t *testing.T) {
	roundTrip(t, Some{Value: U8(1)})
	roundTrip(t, Some{Value: None{}})
	roundTrip(t, Vec{})
	roundTrip(t, Vec{U32(1), String("two"), Vec{Bool(true)}})
	roundTrip(t, Bytes{})
	roundTrip(t, Bytes{0, 1, 2, 0xff})
	roundTrip(t, Map{U32(1): String("one"), U32(2): String("two")})
	roundTrip(t, Map{String("a"): U8(1)})
	roundTrip(t, Map{Uuid(uuid.New()): Unit{}})
	roundTrip(t, Set{I64(-4): {}, I64(9): {}})
	roundTrip(t, Struct{0: U32(7), 5: Some{Value: String("x")}})
	roundTrip(t, Struct{})
	roundTrip(t, Enum{Variant: 3, Value: Unit{}})
	roundTrip(t, Enum{Variant: 0, Value: Struct{1: Bool(false)}})
}

func nested(depth int) Value {
	v := Value(Unit{})
	for i := 0; i < depth; i++ {
		v = Some{Value: v}
	}
	return v
}

func TestDepthLimitExact(t *testing.T) {
	// MaxDepth counts every level including the innermost scalar: 31 Somes
	// around a Unit is depth 32 and passes.
	roundTrip(t, nested(MaxDepth-1))
}

func TestDepthLimitExceededSerialize(t *testing.T) {
	_, err := Serialize(nested(MaxDepth))
	assert.ErrorIs(t, err, ErrTooDeeplyNested)
}

func TestDepthLimitExceededDeserialize(t *testing.T) {
	// Hand-build 32 Some tags around a Unit; the decoder must refuse level 33.
	buf := make([]byte, 0, MaxDepth+1)
	for i := 0; i < MaxDepth; i++ {
		buf = append(buf, uint8(KindSome))
	}
	buf = append(buf, uint8(KindUnit))
	_, err := Deserialize(buf)
	assert.ErrorIs(t, err, abin.ErrInvalidSerialization)
}

func TestDeserializeTrailingData(t *testing.T) {
	buf, err := Serialize(U8(1))
	assert.NilError(t, err)
	buf = append(buf, 0x00)
	_, err = Deserialize(buf)
	assert.ErrorIs(t, err, abin.ErrTrailingData)
}

func TestDeserializeTruncated(t *testing.T) {
	buf, err := Serialize(String("truncate me"))
	assert.NilError(t, err)
	_, err = Deserialize(buf[:len(buf)-3])
	assert.ErrorIs(t, err, abin.ErrUnexpectedEoi)
}

func TestDeserializeUnknownKind(t *testing.T) {
	_, err := Deserialize([]byte{0xfe})
	assert.ErrorIs(t, err, abin.ErrInvalidSerialization)
}

func TestSkipEveryKind(t *testing.T) {
	values := []Value{
		None{}, Unit{}, Bool(true), U8(1), I8(-1), U16(2), I16(-2),
		U32(3), I32(-3), U64(4), I64(-4), F32(0.5), F64(0.25),
		String("s"), Uuid(uuid.New()),
		ObjectId(aids.ObjectId{Uuid: aids.ObjectUuid(uuid.New()), Cookie: aids.NewObjectCookie()}),
		ServiceId(aids.ServiceId{
			Object: aids.ObjectId{Uuid: aids.ObjectUuid(uuid.New()), Cookie: aids.NewObjectCookie()},
			Uuid:   aids.ServiceUuid(uuid.New()),
			Cookie: aids.NewServiceCookie(),
		}),
		Some{Value: U8(9)},
		Vec{U8(1), U8(2)},
		Bytes{1, 2, 3},
		Map{U32(1): String("x")},
		Set{String("k"): {}},
		Struct{7: Bool(true)},
		Enum{Variant: 1, Value: Unit{}},
		Sender(aids.NewChannelCookie()),
		Receiver(aids.NewChannelCookie()),
	}
	for _, v := range values {
		buf, err := Serialize(v)
		assert.NilError(t, err)
		r := abin.Reader{Src: buf}
		assert.NilError(t, SkipValue(&r))
		assert.NilError(t, r.Complete())
	}
}

func TestSkipLeavesFollowingBytes(t *testing.T) {
	buf, err := Serialize(Vec{String("a"), String("b")})
	assert.NilError(t, err)
	buf = append(buf, 0xaa, 0xbb)
	r := abin.Reader{Src: buf}
	assert.NilError(t, SkipValue(&r))
	assert.Check(t, is.Equal(2, r.Len()))
}

func TestSkipTruncated(t *testing.T) {
	buf, err := Serialize(Struct{1: String("long enough to cut")})
	assert.NilError(t, err)
	r := abin.Reader{Src: buf[:len(buf)-5]}
	assert.ErrorIs(t, SkipValue(&r), abin.ErrUnexpectedEoi)
}

func TestValidateSerializedValue(t *testing.T) {
	sv := MustSerialize(Map{U64(1): Vec{Unit{}}})
	assert.NilError(t, sv.Validate())

	assert.ErrorIs(t, SerializedValue{0xfe}.Validate(), abin.ErrInvalidSerialization)

	trailing := append(SerializedValue{}, UnitValue()...)
	trailing = append(trailing, 0x01)
	assert.ErrorIs(t, trailing.Validate(), abin.ErrTrailingData)
}

func TestUnitValue(t *testing.T) {
	v, err := UnitValue().Deserialize()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(KindUnit, v.Kind()))
}

func TestSerializedLengthMatchesEncoding(t *testing.T) {
	// Encoding is self-delimiting: Serialize's output length is exactly what
	// Skip consumes.
	v := Struct{
		0: Vec{U8(1), Some{Value: String("nested")}},
		1: Map{Uuid(uuid.New()): Enum{Variant: 2, Value: Bytes{9}}},
	}
	buf, err := Serialize(v)
	assert.NilError(t, err)
	r := abin.Reader{Src: buf}
	assert.NilError(t, SkipValue(&r))
	assert.Check(t, is.Equal(0, r.Len()))
}
