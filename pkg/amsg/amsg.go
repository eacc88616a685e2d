// Package amsg implements the aldrin message layer: the discriminated message
// envelope, every message kind, and the streaming packetizer.
//
// A frame is `u32 LE length | u8 kind | body`, where length counts the whole
// frame including the length field itself. A body is empty, a fixed field
// block, or a fixed field block followed by a varint-prefixed value region
// that ends the frame. Value regions hold avalue serializations and are routed
// by the broker without inspection.
package amsg

import (
	"errors"
	"fmt"

	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
	"github.com/google/uuid"
)

// DefaultMaxMessageLen caps frame sizes unless overridden. Anything claiming
// to be larger terminates the connection before allocation.
const DefaultMaxMessageLen = 64 << 20

// frameHeaderLen is the length prefix plus the kind byte.
const frameHeaderLen = 5

var (
	// ErrUnexpectedMessage is returned when a frame decodes to a kind that is
	// forbidden in the receiver's current protocol state.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrOverflow is returned when an encoded frame exceeds the length field.
	ErrOverflow = errors.New("serialized message overflowed")
)

// MessageKind discriminates frames. The byte values are wire-stable.
type MessageKind uint8

const (
	KindConnect                    MessageKind = 0
	KindConnectReply               MessageKind = 1
	KindShutdown                   MessageKind = 2
	KindCreateObject               MessageKind = 3
	KindCreateObjectReply          MessageKind = 4
	KindDestroyObject              MessageKind = 5
	KindDestroyObjectReply         MessageKind = 6
	KindCreateService              MessageKind = 7
	KindCreateServiceReply         MessageKind = 8
	KindDestroyService             MessageKind = 9
	KindDestroyServiceReply        MessageKind = 10
	KindCallFunction               MessageKind = 11
	KindCallFunctionReply          MessageKind = 12
	KindSubscribeEvent             MessageKind = 13
	KindSubscribeEventReply        MessageKind = 14
	KindUnsubscribeEvent           MessageKind = 15
	KindEmitEvent                  MessageKind = 16
	KindQueryServiceInfo           MessageKind = 17
	KindQueryServiceInfoReply      MessageKind = 18
	KindCreateChannel              MessageKind = 19
	KindCreateChannelReply         MessageKind = 20
	KindCloseChannelEnd            MessageKind = 21
	KindCloseChannelEndReply       MessageKind = 22
	KindChannelEndClosed           MessageKind = 23
	KindClaimChannelEnd            MessageKind = 24
	KindClaimChannelEndReply       MessageKind = 25
	KindChannelEndClaimed          MessageKind = 26
	KindSendItem                   MessageKind = 27
	KindItemReceived               MessageKind = 28
	KindAddChannelCapacity         MessageKind = 29
	KindSync                       MessageKind = 30
	KindSyncReply                  MessageKind = 31
	KindServiceDestroyed           MessageKind = 32
	KindCreateBusListener          MessageKind = 33
	KindCreateBusListenerReply     MessageKind = 34
	KindDestroyBusListener         MessageKind = 35
	KindDestroyBusListenerReply    MessageKind = 36
	KindAddBusListenerFilter       MessageKind = 37
	KindRemoveBusListenerFilter    MessageKind = 38
	KindClearBusListenerFilters    MessageKind = 39
	KindStartBusListener           MessageKind = 40
	KindStartBusListenerReply      MessageKind = 41
	KindStopBusListener            MessageKind = 42
	KindStopBusListenerReply       MessageKind = 43
	KindEmitBusEvent               MessageKind = 44
	KindBusListenerCurrentFinished MessageKind = 45
	KindConnect2                   MessageKind = 46
	KindConnectReply2              MessageKind = 47
	KindAbortFunctionCall          MessageKind = 48
	KindRegisterIntrospection      MessageKind = 49
	KindQueryIntrospection         MessageKind = 50
	KindQueryIntrospectionReply    MessageKind = 51
	KindDestroyChannelEnd          MessageKind = 52
	KindDestroyChannelEndReply     MessageKind = 53
)

// Message is one decoded protocol message.
type Message interface {
	Kind() MessageKind

	appendBody(dst []byte) ([]byte, error)
	readBody(r *abin.Reader) error
}

var factories = map[MessageKind]func() Message{
	KindConnect:                    func() Message { return &Connect{} },
	KindConnectReply:               func() Message { return &ConnectReply{} },
	KindShutdown:                   func() Message { return &Shutdown{} },
	KindCreateObject:               func() Message { return &CreateObject{} },
	KindCreateObjectReply:          func() Message { return &CreateObjectReply{} },
	KindDestroyObject:              func() Message { return &DestroyObject{} },
	KindDestroyObjectReply:         func() Message { return &DestroyObjectReply{} },
	KindCreateService:              func() Message { return &CreateService{} },
	KindCreateServiceReply:         func() Message { return &CreateServiceReply{} },
	KindDestroyService:             func() Message { return &DestroyService{} },
	KindDestroyServiceReply:        func() Message { return &DestroyServiceReply{} },
	KindCallFunction:               func() Message { return &CallFunction{} },
	KindCallFunctionReply:          func() Message { return &CallFunctionReply{} },
	KindSubscribeEvent:             func() Message { return &SubscribeEvent{} },
	KindSubscribeEventReply:        func() Message { return &SubscribeEventReply{} },
	KindUnsubscribeEvent:           func() Message { return &UnsubscribeEvent{} },
	KindEmitEvent:                  func() Message { return &EmitEvent{} },
	KindQueryServiceInfo:           func() Message { return &QueryServiceInfo{} },
	KindQueryServiceInfoReply:      func() Message { return &QueryServiceInfoReply{} },
	KindCreateChannel:              func() Message { return &CreateChannel{} },
	KindCreateChannelReply:         func() Message { return &CreateChannelReply{} },
	KindCloseChannelEnd:            func() Message { return &CloseChannelEnd{} },
	KindCloseChannelEndReply:       func() Message { return &CloseChannelEndReply{} },
	KindChannelEndClosed:           func() Message { return &ChannelEndClosed{} },
	KindClaimChannelEnd:            func() Message { return &ClaimChannelEnd{} },
	KindClaimChannelEndReply:       func() Message { return &ClaimChannelEndReply{} },
	KindChannelEndClaimed:          func() Message { return &ChannelEndClaimed{} },
	KindSendItem:                   func() Message { return &SendItem{} },
	KindItemReceived:               func() Message { return &ItemReceived{} },
	KindAddChannelCapacity:         func() Message { return &AddChannelCapacity{} },
	KindSync:                       func() Message { return &Sync{} },
	KindSyncReply:                  func() Message { return &SyncReply{} },
	KindServiceDestroyed:           func() Message { return &ServiceDestroyed{} },
	KindCreateBusListener:          func() Message { return &CreateBusListener{} },
	KindCreateBusListenerReply:     func() Message { return &CreateBusListenerReply{} },
	KindDestroyBusListener:         func() Message { return &DestroyBusListener{} },
	KindDestroyBusListenerReply:    func() Message { return &DestroyBusListenerReply{} },
	KindAddBusListenerFilter:       func() Message { return &AddBusListenerFilter{} },
	KindRemoveBusListenerFilter:    func() Message { return &RemoveBusListenerFilter{} },
	KindClearBusListenerFilters:    func() Message { return &ClearBusListenerFilters{} },
	KindStartBusListener:           func() Message { return &StartBusListener{} },
	KindStartBusListenerReply:      func() Message { return &StartBusListenerReply{} },
	KindStopBusListener:            func() Message { return &StopBusListener{} },
	KindStopBusListenerReply:       func() Message { return &StopBusListenerReply{} },
	KindEmitBusEvent:               func() Message { return &EmitBusEvent{} },
	KindBusListenerCurrentFinished: func() Message { return &BusListenerCurrentFinished{} },
	KindConnect2:                   func() Message { return &Connect2{} },
	KindConnectReply2:              func() Message { return &ConnectReply2{} },
	KindAbortFunctionCall:          func() Message { return &AbortFunctionCall{} },
	KindRegisterIntrospection:      func() Message { return &RegisterIntrospection{} },
	KindQueryIntrospection:         func() Message { return &QueryIntrospection{} },
	KindQueryIntrospectionReply:    func() Message { return &QueryIntrospectionReply{} },
	KindDestroyChannelEnd:          func() Message { return &DestroyChannelEnd{} },
	KindDestroyChannelEndReply:     func() Message { return &DestroyChannelEndReply{} },
}

// EncodeMessage serializes m into a complete frame.
func EncodeMessage(m Message) ([]byte, error) {
	dst := make([]byte, 4, 64)
	dst = abin.AppendU8(dst, uint8(m.Kind()))
	dst, err := m.appendBody(dst)
	if err != nil {
		return nil, err
	}
	if uint64(len(dst)) > uint64(^uint32(0)) {
		return nil, ErrOverflow
	}
	abin.AppendFixedU32(dst[:0], uint32(len(dst)))
	return dst, nil
}

// DecodeMessage parses one complete frame, length prefix included.
func DecodeMessage(frame []byte) (Message, error) {
	r := abin.Reader{Src: frame}
	length := r.FixedU32()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if uint64(length) != uint64(len(frame)) || length < frameHeaderLen {
		return nil, abin.ErrInvalidSerialization
	}
	kind := MessageKind(r.U8())
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", abin.ErrInvalidSerialization, kind)
	}
	m := factory()
	if err := m.readBody(&r); err != nil {
		return nil, err
	}
	if err := r.Complete(); err != nil {
		return nil, err
	}
	return m, nil
}

// appendUuid writes 16 raw bytes in RFC 4122 order.
func appendUuid(dst []byte, u uuid.UUID) []byte { return append(dst, u[:]...) }

func readUuid(r *abin.Reader) uuid.UUID {
	var u uuid.UUID
	copy(u[:], r.Span(16))
	return u
}

// appendValueRegion writes the varint length and raw bytes of a value region.
// The region must end the frame; readValueRegion enforces that.
func appendValueRegion(dst []byte, v avalue.SerializedValue) []byte {
	return abin.AppendBytes(dst, v)
}

func readValueRegion(r *abin.Reader) avalue.SerializedValue {
	n := r.Uvarint()
	if r.Err() != nil {
		return nil
	}
	if n != uint64(r.Len()) {
		r.Fail(abin.ErrInvalidSerialization)
		return nil
	}
	// Detach from the frame: decoded messages outlive the packetizer buffer
	// the frame was sliced from.
	out := make(avalue.SerializedValue, n)
	copy(out, r.Span(int(n)))
	return out
}
