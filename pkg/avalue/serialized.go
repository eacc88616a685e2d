package avalue

import "github.com/aldrinbus/aldrin-go/pkg/abin"

// SerializedValue holds one encoded value. The broker routes these opaquely;
// only endpoints deserialize them.
type SerializedValue []byte

// NewSerializedValue encodes v.
func NewSerializedValue(v Value) (SerializedValue, error) {
	buf, err := Serialize(v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// MustSerialize encodes v and panics on failure. For values built from
// literals where failure would be a programming error.
func MustSerialize(v Value) SerializedValue {
	sv, err := NewSerializedValue(v)
	if err != nil {
		panic(err)
	}
	return sv
}

// Deserialize decodes the value. The serialization must be consumed exactly.
func (sv SerializedValue) Deserialize() (Value, error) {
	return Deserialize(sv)
}

// Validate checks that sv holds exactly one well-formed value without
// materializing it.
func (sv SerializedValue) Validate() error {
	r := abin.Reader{Src: sv}
	if err := SkipValue(&r); err != nil {
		return err
	}
	return r.Complete()
}

// UnitValue is the serialization of Unit, the payload of dataless messages.
func UnitValue() SerializedValue {
	return SerializedValue{uint8(KindUnit)}
}
