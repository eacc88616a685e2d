package amsg

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
	"github.com/google/uuid"
)

// RegisterIntrospection announces the TypeIds a connection can answer
// QueryIntrospection for.
type RegisterIntrospection struct {
	TypeIds []aids.TypeId
}

func (*RegisterIntrospection) Kind() MessageKind { return KindRegisterIntrospection }

func (m *RegisterIntrospection) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendUvarint(dst, uint64(len(m.TypeIds)))
	for _, id := range m.TypeIds {
		dst = appendUuid(dst, uuid.UUID(id))
	}
	return dst, nil
}

func (m *RegisterIntrospection) readBody(r *abin.Reader) error {
	n := r.Uvarint()
	if r.Err() != nil {
		return r.Err()
	}
	if n > uint64(r.Len())/16 {
		r.Fail(abin.ErrUnexpectedEoi)
		return r.Err()
	}
	m.TypeIds = make([]aids.TypeId, 0, n)
	for i := uint64(0); i < n; i++ {
		m.TypeIds = append(m.TypeIds, aids.TypeId(readUuid(r)))
	}
	return r.Err()
}

// QueryIntrospection fetches the introspection value for a TypeId. The broker
// forwards the query to a registrant and relays the answer.
type QueryIntrospection struct {
	Serial uint32
	TypeId aids.TypeId
}

func (*QueryIntrospection) Kind() MessageKind { return KindQueryIntrospection }

func (m *QueryIntrospection) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.TypeId)), nil
}

func (m *QueryIntrospection) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.TypeId = aids.TypeId(readUuid(r))
	return r.Err()
}

// QueryIntrospectionResult discriminates QueryIntrospectionReply.
type QueryIntrospectionResult uint8

const (
	QueryIntrospectionOk QueryIntrospectionResult = iota
	QueryIntrospectionUnavailable
)

// QueryIntrospectionReply answers QueryIntrospection. Value is valid on Ok.
type QueryIntrospectionReply struct {
	Serial uint32
	Result QueryIntrospectionResult
	Value  avalue.SerializedValue
}

func (*QueryIntrospectionReply) Kind() MessageKind { return KindQueryIntrospectionReply }

func (m *QueryIntrospectionReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = abin.AppendU8(dst, uint8(m.Result))
	if m.Result == QueryIntrospectionOk {
		dst = appendValueRegion(dst, m.Value)
	}
	return dst, nil
}

func (m *QueryIntrospectionReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = QueryIntrospectionResult(r.U8())
	switch m.Result {
	case QueryIntrospectionOk:
		m.Value = readValueRegion(r)
	case QueryIntrospectionUnavailable:
	default:
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}
