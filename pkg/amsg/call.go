package amsg

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
	"github.com/google/uuid"
)

// CallFunction invokes a function on a service. The broker rewrites Serial to
// a callee-side serial before forwarding.
type CallFunction struct {
	Serial   uint32
	Cookie   aids.ServiceCookie
	Function uint32
	Value    avalue.SerializedValue
}

func (*CallFunction) Kind() MessageKind { return KindCallFunction }

func (m *CallFunction) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	dst = abin.AppendU32(dst, m.Function)
	return appendValueRegion(dst, m.Value), nil
}

func (m *CallFunction) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ServiceCookie(readUuid(r))
	m.Function = r.U32()
	m.Value = readValueRegion(r)
	return r.Err()
}

// CallFunctionResult discriminates CallFunctionReply.
type CallFunctionResult uint8

const (
	CallFunctionOk CallFunctionResult = iota
	CallFunctionErr
	CallFunctionAborted
	CallFunctionInvalidService
	CallFunctionInvalidFunction
	CallFunctionInvalidArgs
)

func (res CallFunctionResult) hasValue() bool {
	return res == CallFunctionOk || res == CallFunctionErr
}

// CallFunctionReply resolves a call. Value is present for Ok and Err.
type CallFunctionReply struct {
	Serial uint32
	Result CallFunctionResult
	Value  avalue.SerializedValue
}

func (*CallFunctionReply) Kind() MessageKind { return KindCallFunctionReply }

func (m *CallFunctionReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = abin.AppendU8(dst, uint8(m.Result))
	if m.Result.hasValue() {
		dst = appendValueRegion(dst, m.Value)
	}
	return dst, nil
}

func (m *CallFunctionReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = CallFunctionResult(r.U8())
	switch {
	case m.Result.hasValue():
		m.Value = readValueRegion(r)
	case m.Result > CallFunctionInvalidArgs:
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// AbortFunctionCall cancels a pending call. Sent caller→broker with the
// caller's serial, broker→callee with the callee-side serial.
type AbortFunctionCall struct {
	Serial uint32
}

func (*AbortFunctionCall) Kind() MessageKind { return KindAbortFunctionCall }

func (m *AbortFunctionCall) appendBody(dst []byte) ([]byte, error) {
	return abin.AppendU32(dst, m.Serial), nil
}

func (m *AbortFunctionCall) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	return r.Err()
}

// SubscribeEvent registers the sender for an event on a service.
type SubscribeEvent struct {
	Serial uint32
	Cookie aids.ServiceCookie
	Event  uint32
}

func (*SubscribeEvent) Kind() MessageKind { return KindSubscribeEvent }

func (m *SubscribeEvent) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return abin.AppendU32(dst, m.Event), nil
}

func (m *SubscribeEvent) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ServiceCookie(readUuid(r))
	m.Event = r.U32()
	return r.Err()
}

// SubscribeEventResult discriminates SubscribeEventReply.
type SubscribeEventResult uint8

const (
	SubscribeEventOk SubscribeEventResult = iota
	SubscribeEventInvalidService
)

// SubscribeEventReply answers SubscribeEvent.
type SubscribeEventReply struct {
	Serial uint32
	Result SubscribeEventResult
}

func (*SubscribeEventReply) Kind() MessageKind { return KindSubscribeEventReply }

func (m *SubscribeEventReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return abin.AppendU8(dst, uint8(m.Result)), nil
}

func (m *SubscribeEventReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = SubscribeEventResult(r.U8())
	if m.Result > SubscribeEventInvalidService {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// UnsubscribeEvent removes an event subscription. It has no reply.
type UnsubscribeEvent struct {
	Cookie aids.ServiceCookie
	Event  uint32
}

func (*UnsubscribeEvent) Kind() MessageKind { return KindUnsubscribeEvent }

func (m *UnsubscribeEvent) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return abin.AppendU32(dst, m.Event), nil
}

func (m *UnsubscribeEvent) readBody(r *abin.Reader) error {
	m.Cookie = aids.ServiceCookie(readUuid(r))
	m.Event = r.U32()
	return r.Err()
}

// EmitEvent broadcasts an event to every connection subscribed to it.
type EmitEvent struct {
	Cookie aids.ServiceCookie
	Event  uint32
	Value  avalue.SerializedValue
}

func (*EmitEvent) Kind() MessageKind { return KindEmitEvent }

func (m *EmitEvent) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	dst = abin.AppendU32(dst, m.Event)
	return appendValueRegion(dst, m.Value), nil
}

func (m *EmitEvent) readBody(r *abin.Reader) error {
	m.Cookie = aids.ServiceCookie(readUuid(r))
	m.Event = r.U32()
	m.Value = readValueRegion(r)
	return r.Err()
}
