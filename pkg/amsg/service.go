package amsg

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/google/uuid"
)

// ServiceInfo describes a service at creation time.
type ServiceInfo struct {
	Version uint32

	// TypeId links the service to registered introspection, if any.
	TypeId *aids.TypeId
}

func appendServiceInfo(dst []byte, info ServiceInfo) []byte {
	dst = abin.AppendU32(dst, info.Version)
	if info.TypeId != nil {
		dst = abin.AppendBool(dst, true)
		dst = appendUuid(dst, uuid.UUID(*info.TypeId))
	} else {
		dst = abin.AppendBool(dst, false)
	}
	return dst
}

func readServiceInfo(r *abin.Reader) ServiceInfo {
	var info ServiceInfo
	info.Version = r.U32()
	if r.Bool() {
		id := aids.TypeId(readUuid(r))
		info.TypeId = &id
	}
	return info
}

// CreateService asks the broker to bind a new service to an object.
type CreateService struct {
	Serial       uint32
	ObjectCookie aids.ObjectCookie
	Uuid         aids.ServiceUuid
	Info         ServiceInfo
}

func (*CreateService) Kind() MessageKind { return KindCreateService }

func (m *CreateService) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = appendUuid(dst, uuid.UUID(m.ObjectCookie))
	dst = appendUuid(dst, uuid.UUID(m.Uuid))
	return appendServiceInfo(dst, m.Info), nil
}

func (m *CreateService) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.ObjectCookie = aids.ObjectCookie(readUuid(r))
	m.Uuid = aids.ServiceUuid(readUuid(r))
	m.Info = readServiceInfo(r)
	return r.Err()
}

// CreateServiceResult discriminates CreateServiceReply.
type CreateServiceResult uint8

const (
	CreateServiceOk CreateServiceResult = iota
	CreateServiceDuplicate
	CreateServiceInvalidObject
	CreateServiceForeignObject
)

// CreateServiceReply answers CreateService. Cookie is valid on Ok.
type CreateServiceReply struct {
	Serial uint32
	Result CreateServiceResult
	Cookie aids.ServiceCookie
}

func (*CreateServiceReply) Kind() MessageKind { return KindCreateServiceReply }

func (m *CreateServiceReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = abin.AppendU8(dst, uint8(m.Result))
	if m.Result == CreateServiceOk {
		dst = appendUuid(dst, uuid.UUID(m.Cookie))
	}
	return dst, nil
}

func (m *CreateServiceReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = CreateServiceResult(r.U8())
	switch m.Result {
	case CreateServiceOk:
		m.Cookie = aids.ServiceCookie(readUuid(r))
	case CreateServiceDuplicate, CreateServiceInvalidObject, CreateServiceForeignObject:
	default:
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// DestroyService asks the broker to destroy a service by cookie.
type DestroyService struct {
	Serial uint32
	Cookie aids.ServiceCookie
}

func (*DestroyService) Kind() MessageKind { return KindDestroyService }

func (m *DestroyService) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *DestroyService) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ServiceCookie(readUuid(r))
	return r.Err()
}

// DestroyServiceResult discriminates DestroyServiceReply.
type DestroyServiceResult uint8

const (
	DestroyServiceOk DestroyServiceResult = iota
	DestroyServiceInvalidService
	DestroyServiceForeignObject
)

// DestroyServiceReply answers DestroyService.
type DestroyServiceReply struct {
	Serial uint32
	Result DestroyServiceResult
}

func (*DestroyServiceReply) Kind() MessageKind { return KindDestroyServiceReply }

func (m *DestroyServiceReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return abin.AppendU8(dst, uint8(m.Result)), nil
}

func (m *DestroyServiceReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = DestroyServiceResult(r.U8())
	if m.Result > DestroyServiceForeignObject {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// QueryServiceInfo fetches the ServiceInfo recorded for a live service.
type QueryServiceInfo struct {
	Serial uint32
	Cookie aids.ServiceCookie
}

func (*QueryServiceInfo) Kind() MessageKind { return KindQueryServiceInfo }

func (m *QueryServiceInfo) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *QueryServiceInfo) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ServiceCookie(readUuid(r))
	return r.Err()
}

// QueryServiceInfoResult discriminates QueryServiceInfoReply.
type QueryServiceInfoResult uint8

const (
	QueryServiceInfoOk QueryServiceInfoResult = iota
	QueryServiceInfoInvalidService
)

// QueryServiceInfoReply answers QueryServiceInfo. Info is valid on Ok.
type QueryServiceInfoReply struct {
	Serial uint32
	Result QueryServiceInfoResult
	Info   ServiceInfo
}

func (*QueryServiceInfoReply) Kind() MessageKind { return KindQueryServiceInfoReply }

func (m *QueryServiceInfoReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = abin.AppendU8(dst, uint8(m.Result))
	if m.Result == QueryServiceInfoOk {
		dst = appendServiceInfo(dst, m.Info)
	}
	return dst, nil
}

func (m *QueryServiceInfoReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = QueryServiceInfoResult(r.U8())
	switch m.Result {
	case QueryServiceInfoOk:
		m.Info = readServiceInfo(r)
	case QueryServiceInfoInvalidService:
	default:
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// ServiceDestroyed is pushed to subscribers when a service they subscribed to
// goes away.
type ServiceDestroyed struct {
	Cookie aids.ServiceCookie
}

func (*ServiceDestroyed) Kind() MessageKind { return KindServiceDestroyed }

func (m *ServiceDestroyed) appendBody(dst []byte) ([]byte, error) {
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *ServiceDestroyed) readBody(r *abin.Reader) error {
	m.Cookie = aids.ServiceCookie(readUuid(r))
	return r.Err()
}
