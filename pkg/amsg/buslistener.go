package amsg

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/google/uuid"
)

// BusListenerFilterKind discriminates filters.
type BusListenerFilterKind uint8

const (
	// FilterObject matches object lifecycle events.
	FilterObject BusListenerFilterKind = iota

	// FilterService matches service lifecycle events.
	FilterService
)

// BusListenerFilter selects lifecycle events. A nil uuid field is a wildcard.
type BusListenerFilter struct {
	Kind    BusListenerFilterKind
	Object  *aids.ObjectUuid
	Service *aids.ServiceUuid
}

// AnyObject matches every object event.
func AnyObject() BusListenerFilter {
	return BusListenerFilter{Kind: FilterObject}
}

// AnyService matches every service event.
func AnyService() BusListenerFilter {
	return BusListenerFilter{Kind: FilterService}
}

func appendBusListenerFilter(dst []byte, f BusListenerFilter) []byte {
	dst = abin.AppendU8(dst, uint8(f.Kind))
	if f.Object != nil {
		dst = abin.AppendBool(dst, true)
		dst = appendUuid(dst, uuid.UUID(*f.Object))
	} else {
		dst = abin.AppendBool(dst, false)
	}
	if f.Kind == FilterService {
		if f.Service != nil {
			dst = abin.AppendBool(dst, true)
			dst = appendUuid(dst, uuid.UUID(*f.Service))
		} else {
			dst = abin.AppendBool(dst, false)
		}
	}
	return dst
}

func readBusListenerFilter(r *abin.Reader) BusListenerFilter {
	var f BusListenerFilter
	f.Kind = BusListenerFilterKind(r.U8())
	if f.Kind > FilterService {
		r.Fail(abin.ErrInvalidSerialization)
		return f
	}
	if r.Bool() {
		u := aids.ObjectUuid(readUuid(r))
		f.Object = &u
	}
	if f.Kind == FilterService && r.Bool() {
		u := aids.ServiceUuid(readUuid(r))
		f.Service = &u
	}
	return f
}

// BusListenerScope selects which lifecycle events a started listener sees.
type BusListenerScope uint8

const (
	// ScopeCurrent replays the live directory, then finishes.
	ScopeCurrent BusListenerScope = iota

	// ScopeNew reports future events only.
	ScopeNew

	// ScopeAll replays the live directory and keeps reporting.
	ScopeAll
)

// ReplaysCurrent reports whether the scope includes the initial replay.
func (s BusListenerScope) ReplaysCurrent() bool { return s == ScopeCurrent || s == ScopeAll }

// ReportsNew reports whether the scope includes future events.
func (s BusListenerScope) ReportsNew() bool { return s == ScopeNew || s == ScopeAll }

// BusEventKind discriminates bus events.
type BusEventKind uint8

const (
	BusEventObjectCreated BusEventKind = iota
	BusEventObjectDestroyed
	BusEventServiceCreated
	BusEventServiceDestroyed
)

// BusEvent is one object/service lifecycle event.
type BusEvent struct {
	Kind BusEventKind

	// Object is valid for object events.
	Object aids.ObjectId

	// Service is valid for service events.
	Service aids.ServiceId
}

// ObjectCreatedEvent builds an object-created event.
func ObjectCreatedEvent(id aids.ObjectId) BusEvent {
	return BusEvent{Kind: BusEventObjectCreated, Object: id}
}

// ObjectDestroyedEvent builds an object-destroyed event.
func ObjectDestroyedEvent(id aids.ObjectId) BusEvent {
	return BusEvent{Kind: BusEventObjectDestroyed, Object: id}
}

// ServiceCreatedEvent builds a service-created event.
func ServiceCreatedEvent(id aids.ServiceId) BusEvent {
	return BusEvent{Kind: BusEventServiceCreated, Service: id}
}

// ServiceDestroyedEvent builds a service-destroyed event.
func ServiceDestroyedEvent(id aids.ServiceId) BusEvent {
	return BusEvent{Kind: BusEventServiceDestroyed, Service: id}
}

func appendBusEvent(dst []byte, ev BusEvent) []byte {
	dst = abin.AppendU8(dst, uint8(ev.Kind))
	switch ev.Kind {
	case BusEventObjectCreated, BusEventObjectDestroyed:
		dst = appendUuid(dst, uuid.UUID(ev.Object.Uuid))
		dst = appendUuid(dst, uuid.UUID(ev.Object.Cookie))
	default:
		dst = appendUuid(dst, uuid.UUID(ev.Service.Object.Uuid))
		dst = appendUuid(dst, uuid.UUID(ev.Service.Object.Cookie))
		dst = appendUuid(dst, uuid.UUID(ev.Service.Uuid))
		dst = appendUuid(dst, uuid.UUID(ev.Service.Cookie))
	}
	return dst
}

func readBusEvent(r *abin.Reader) BusEvent {
	var ev BusEvent
	ev.Kind = BusEventKind(r.U8())
	switch ev.Kind {
	case BusEventObjectCreated, BusEventObjectDestroyed:
		ev.Object.Uuid = aids.ObjectUuid(readUuid(r))
		ev.Object.Cookie = aids.ObjectCookie(readUuid(r))
	case BusEventServiceCreated, BusEventServiceDestroyed:
		ev.Service.Object.Uuid = aids.ObjectUuid(readUuid(r))
		ev.Service.Object.Cookie = aids.ObjectCookie(readUuid(r))
		ev.Service.Uuid = aids.ServiceUuid(readUuid(r))
		ev.Service.Cookie = aids.ServiceCookie(readUuid(r))
	default:
		r.Fail(abin.ErrInvalidSerialization)
	}
	return ev
}

// CreateBusListener creates an idle listener with no filters.
type CreateBusListener struct {
	Serial uint32
}

func (*CreateBusListener) Kind() MessageKind { return KindCreateBusListener }

func (m *CreateBusListener) appendBody(dst []byte) ([]byte, error) {
	return abin.AppendU32(dst, m.Serial), nil
}

func (m *CreateBusListener) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	return r.Err()
}

// CreateBusListenerReply returns the new listener's cookie.
type CreateBusListenerReply struct {
	Serial uint32
	Cookie aids.BusListenerCookie
}

func (*CreateBusListenerReply) Kind() MessageKind { return KindCreateBusListenerReply }

func (m *CreateBusListenerReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *CreateBusListenerReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	return r.Err()
}

// BusListenerResult discriminates the bus-listener reply family.
type BusListenerResult uint8

const (
	BusListenerOk BusListenerResult = iota
	BusListenerInvalid
	BusListenerAlreadyStarted
	BusListenerNotStarted
)

// DestroyBusListener removes a listener.
type DestroyBusListener struct {
	Serial uint32
	Cookie aids.BusListenerCookie
}

func (*DestroyBusListener) Kind() MessageKind { return KindDestroyBusListener }

func (m *DestroyBusListener) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *DestroyBusListener) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	return r.Err()
}

// DestroyBusListenerReply answers DestroyBusListener.
type DestroyBusListenerReply struct {
	Serial uint32
	Result BusListenerResult
}

func (*DestroyBusListenerReply) Kind() MessageKind { return KindDestroyBusListenerReply }

func (m *DestroyBusListenerReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return abin.AppendU8(dst, uint8(m.Result)), nil
}

func (m *DestroyBusListenerReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = BusListenerResult(r.U8())
	if m.Result > BusListenerNotStarted {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// AddBusListenerFilter adds one filter. No reply; filter changes are
// fire-and-forget like unsubscribes.
type AddBusListenerFilter struct {
	Cookie aids.BusListenerCookie
	Filter BusListenerFilter
}

func (*AddBusListenerFilter) Kind() MessageKind { return KindAddBusListenerFilter }

func (m *AddBusListenerFilter) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendBusListenerFilter(dst, m.Filter), nil
}

func (m *AddBusListenerFilter) readBody(r *abin.Reader) error {
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	m.Filter = readBusListenerFilter(r)
	return r.Err()
}

// RemoveBusListenerFilter removes one filter, matched exactly.
type RemoveBusListenerFilter struct {
	Cookie aids.BusListenerCookie
	Filter BusListenerFilter
}

func (*RemoveBusListenerFilter) Kind() MessageKind { return KindRemoveBusListenerFilter }

func (m *RemoveBusListenerFilter) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendBusListenerFilter(dst, m.Filter), nil
}

func (m *RemoveBusListenerFilter) readBody(r *abin.Reader) error {
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	m.Filter = readBusListenerFilter(r)
	return r.Err()
}

// ClearBusListenerFilters removes every filter.
type ClearBusListenerFilters struct {
	Cookie aids.BusListenerCookie
}

func (*ClearBusListenerFilters) Kind() MessageKind { return KindClearBusListenerFilters }

func (m *ClearBusListenerFilters) appendBody(dst []byte) ([]byte, error) {
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *ClearBusListenerFilters) readBody(r *abin.Reader) error {
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	return r.Err()
}

// StartBusListener arms a listener with a scope.
type StartBusListener struct {
	Serial uint32
	Cookie aids.BusListenerCookie
	Scope  BusListenerScope
}

func (*StartBusListener) Kind() MessageKind { return KindStartBusListener }

func (m *StartBusListener) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return abin.AppendU8(dst, uint8(m.Scope)), nil
}

func (m *StartBusListener) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	m.Scope = BusListenerScope(r.U8())
	if m.Scope > ScopeAll {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// StartBusListenerReply answers StartBusListener.
type StartBusListenerReply struct {
	Serial uint32
	Result BusListenerResult
}

func (*StartBusListenerReply) Kind() MessageKind { return KindStartBusListenerReply }

func (m *StartBusListenerReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return abin.AppendU8(dst, uint8(m.Result)), nil
}

func (m *StartBusListenerReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = BusListenerResult(r.U8())
	if m.Result > BusListenerNotStarted {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// StopBusListener silences a running listener.
type StopBusListener struct {
	Serial uint32
	Cookie aids.BusListenerCookie
}

func (*StopBusListener) Kind() MessageKind { return KindStopBusListener }

func (m *StopBusListener) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *StopBusListener) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	return r.Err()
}

// StopBusListenerReply answers StopBusListener.
type StopBusListenerReply struct {
	Serial uint32
	Result BusListenerResult
}

func (*StopBusListenerReply) Kind() MessageKind { return KindStopBusListenerReply }

func (m *StopBusListenerReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return abin.AppendU8(dst, uint8(m.Result)), nil
}

func (m *StopBusListenerReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = BusListenerResult(r.U8())
	if m.Result > BusListenerNotStarted {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// EmitBusEvent delivers one lifecycle event to a listener.
type EmitBusEvent struct {
	Cookie aids.BusListenerCookie
	Event  BusEvent
}

func (*EmitBusEvent) Kind() MessageKind { return KindEmitBusEvent }

func (m *EmitBusEvent) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendBusEvent(dst, m.Event), nil
}

func (m *EmitBusEvent) readBody(r *abin.Reader) error {
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	m.Event = readBusEvent(r)
	return r.Err()
}

// BusListenerCurrentFinished marks the end of the initial replay.
type BusListenerCurrentFinished struct {
	Cookie aids.BusListenerCookie
}

func (*BusListenerCurrentFinished) Kind() MessageKind { return KindBusListenerCurrentFinished }

func (m *BusListenerCurrentFinished) appendBody(dst []byte) ([]byte, error) {
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *BusListenerCurrentFinished) readBody(r *abin.Reader) error {
	m.Cookie = aids.BusListenerCookie(readUuid(r))
	return r.Err()
}
