package amsg

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/google/uuid"
)

// CreateObject asks the broker to create an object with a client-chosen UUID.
type CreateObject struct {
	Serial uint32
	Uuid   aids.ObjectUuid
}

func (*CreateObject) Kind() MessageKind { return KindCreateObject }

func (m *CreateObject) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.Uuid)), nil
}

func (m *CreateObject) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Uuid = aids.ObjectUuid(readUuid(r))
	return r.Err()
}

// CreateObjectResult discriminates CreateObjectReply.
type CreateObjectResult uint8

const (
	CreateObjectOk CreateObjectResult = iota
	CreateObjectDuplicate
)

// CreateObjectReply answers CreateObject. Cookie is valid on Ok.
type CreateObjectReply struct {
	Serial uint32
	Result CreateObjectResult
	Cookie aids.ObjectCookie
}

func (*CreateObjectReply) Kind() MessageKind { return KindCreateObjectReply }

func (m *CreateObjectReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = abin.AppendU8(dst, uint8(m.Result))
	if m.Result == CreateObjectOk {
		dst = appendUuid(dst, uuid.UUID(m.Cookie))
	}
	return dst, nil
}

func (m *CreateObjectReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = CreateObjectResult(r.U8())
	switch m.Result {
	case CreateObjectOk:
		m.Cookie = aids.ObjectCookie(readUuid(r))
	case CreateObjectDuplicate:
	default:
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// DestroyObject asks the broker to destroy an object by cookie.
type DestroyObject struct {
	Serial uint32
	Cookie aids.ObjectCookie
}

func (*DestroyObject) Kind() MessageKind { return KindDestroyObject }

func (m *DestroyObject) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *DestroyObject) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ObjectCookie(readUuid(r))
	return r.Err()
}

// DestroyObjectResult discriminates DestroyObjectReply.
type DestroyObjectResult uint8

const (
	DestroyObjectOk DestroyObjectResult = iota
	DestroyObjectInvalidObject
	DestroyObjectForeignObject
)

// DestroyObjectReply answers DestroyObject.
type DestroyObjectReply struct {
	Serial uint32
	Result DestroyObjectResult
}

func (*DestroyObjectReply) Kind() MessageKind { return KindDestroyObjectReply }

func (m *DestroyObjectReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return abin.AppendU8(dst, uint8(m.Result)), nil
}

func (m *DestroyObjectReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = DestroyObjectResult(r.U8())
	if m.Result > DestroyObjectForeignObject {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}
