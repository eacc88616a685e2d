package amsg

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
	"github.com/google/uuid"
)

// ChannelEnd names one end of a channel.
type ChannelEnd uint8

const (
	ChannelEndSender ChannelEnd = iota
	ChannelEndReceiver
)

func (e ChannelEnd) String() string {
	if e == ChannelEndSender {
		return "sender"
	}
	return "receiver"
}

// Other returns the opposite end.
func (e ChannelEnd) Other() ChannelEnd {
	if e == ChannelEndSender {
		return ChannelEndReceiver
	}
	return ChannelEndSender
}

func appendChannelEnd(dst []byte, e ChannelEnd) []byte {
	return abin.AppendU8(dst, uint8(e))
}

func readChannelEnd(r *abin.Reader) ChannelEnd {
	e := ChannelEnd(r.U8())
	if e > ChannelEndReceiver {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return e
}

// ChannelEndWithCapacity is a channel end plus, for the receiver, its initial
// capacity grant.
type ChannelEndWithCapacity struct {
	End ChannelEnd

	// Capacity is valid when End is the receiver.
	Capacity uint32
}

func appendChannelEndWithCapacity(dst []byte, e ChannelEndWithCapacity) []byte {
	dst = abin.AppendU8(dst, uint8(e.End))
	if e.End == ChannelEndReceiver {
		dst = abin.AppendU32(dst, e.Capacity)
	}
	return dst
}

func readChannelEndWithCapacity(r *abin.Reader) ChannelEndWithCapacity {
	var e ChannelEndWithCapacity
	e.End = readChannelEnd(r)
	if r.Err() == nil && e.End == ChannelEndReceiver {
		e.Capacity = r.U32()
	}
	return e
}

// CreateChannel creates a channel with the sender's or receiver's end already
// claimed by the creator.
type CreateChannel struct {
	Serial uint32
	End    ChannelEndWithCapacity
}

func (*CreateChannel) Kind() MessageKind { return KindCreateChannel }

func (m *CreateChannel) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendChannelEndWithCapacity(dst, m.End), nil
}

func (m *CreateChannel) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.End = readChannelEndWithCapacity(r)
	return r.Err()
}

// CreateChannelReply returns the new channel's cookie.
type CreateChannelReply struct {
	Serial uint32
	Cookie aids.ChannelCookie
}

func (*CreateChannelReply) Kind() MessageKind { return KindCreateChannelReply }

func (m *CreateChannelReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return appendUuid(dst, uuid.UUID(m.Cookie)), nil
}

func (m *CreateChannelReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ChannelCookie(readUuid(r))
	return r.Err()
}

// ChannelEndResult discriminates the close/destroy/claim reply families.
type ChannelEndResult uint8

const (
	ChannelEndOk ChannelEndResult = iota
	ChannelEndInvalidChannel
	ChannelEndAlreadyClaimed
	ChannelEndForeignChannel
)

// CloseChannelEnd closes one end owned by the sender of this message.
type CloseChannelEnd struct {
	Serial uint32
	Cookie aids.ChannelCookie
	End    ChannelEnd
}

func (*CloseChannelEnd) Kind() MessageKind { return KindCloseChannelEnd }

func (m *CloseChannelEnd) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendChannelEnd(dst, m.End), nil
}

func (m *CloseChannelEnd) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ChannelCookie(readUuid(r))
	m.End = readChannelEnd(r)
	return r.Err()
}

// CloseChannelEndReply answers CloseChannelEnd.
type CloseChannelEndReply struct {
	Serial uint32
	Result ChannelEndResult
}

func (*CloseChannelEndReply) Kind() MessageKind { return KindCloseChannelEndReply }

func (m *CloseChannelEndReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return abin.AppendU8(dst, uint8(m.Result)), nil
}

func (m *CloseChannelEndReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = ChannelEndResult(r.U8())
	if m.Result > ChannelEndForeignChannel {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// DestroyChannelEnd removes the creator's still-unclaimed end.
type DestroyChannelEnd struct {
	Serial uint32
	Cookie aids.ChannelCookie
	End    ChannelEnd
}

func (*DestroyChannelEnd) Kind() MessageKind { return KindDestroyChannelEnd }

func (m *DestroyChannelEnd) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendChannelEnd(dst, m.End), nil
}

func (m *DestroyChannelEnd) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ChannelCookie(readUuid(r))
	m.End = readChannelEnd(r)
	return r.Err()
}

// DestroyChannelEndReply answers DestroyChannelEnd.
type DestroyChannelEndReply struct {
	Serial uint32
	Result ChannelEndResult
}

func (*DestroyChannelEndReply) Kind() MessageKind { return KindDestroyChannelEndReply }

func (m *DestroyChannelEndReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	return abin.AppendU8(dst, uint8(m.Result)), nil
}

func (m *DestroyChannelEndReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = ChannelEndResult(r.U8())
	if m.Result > ChannelEndForeignChannel {
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// ClaimChannelEnd claims the unclaimed end of a channel, establishing it.
type ClaimChannelEnd struct {
	Serial uint32
	Cookie aids.ChannelCookie
	End    ChannelEndWithCapacity
}

func (*ClaimChannelEnd) Kind() MessageKind { return KindClaimChannelEnd }

func (m *ClaimChannelEnd) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendChannelEndWithCapacity(dst, m.End), nil
}

func (m *ClaimChannelEnd) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Cookie = aids.ChannelCookie(readUuid(r))
	m.End = readChannelEndWithCapacity(r)
	return r.Err()
}

// ClaimChannelEndReply answers ClaimChannelEnd. When a sender end was claimed,
// Capacity carries the receiver's current grant.
type ClaimChannelEndReply struct {
	Serial   uint32
	Result   ChannelEndResult
	Capacity uint32
}

func (*ClaimChannelEndReply) Kind() MessageKind { return KindClaimChannelEndReply }

func (m *ClaimChannelEndReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Serial)
	dst = abin.AppendU8(dst, uint8(m.Result))
	if m.Result == ChannelEndOk {
		dst = abin.AppendU32(dst, m.Capacity)
	}
	return dst, nil
}

func (m *ClaimChannelEndReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	m.Result = ChannelEndResult(r.U8())
	switch {
	case m.Result == ChannelEndOk:
		m.Capacity = r.U32()
	case m.Result > ChannelEndForeignChannel:
		r.Fail(abin.ErrInvalidSerialization)
	}
	return r.Err()
}

// ChannelEndClaimed notifies the creator that the other end was claimed.
type ChannelEndClaimed struct {
	Cookie aids.ChannelCookie
	End    ChannelEndWithCapacity
}

func (*ChannelEndClaimed) Kind() MessageKind { return KindChannelEndClaimed }

func (m *ChannelEndClaimed) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendChannelEndWithCapacity(dst, m.End), nil
}

func (m *ChannelEndClaimed) readBody(r *abin.Reader) error {
	m.Cookie = aids.ChannelCookie(readUuid(r))
	m.End = readChannelEndWithCapacity(r)
	return r.Err()
}

// ChannelEndClosed notifies the holder of one end that the named end closed.
type ChannelEndClosed struct {
	Cookie aids.ChannelCookie
	End    ChannelEnd
}

func (*ChannelEndClosed) Kind() MessageKind { return KindChannelEndClosed }

func (m *ChannelEndClosed) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendChannelEnd(dst, m.End), nil
}

func (m *ChannelEndClosed) readBody(r *abin.Reader) error {
	m.Cookie = aids.ChannelCookie(readUuid(r))
	m.End = readChannelEnd(r)
	return r.Err()
}

// SendItem carries one item from the sender toward the receiver. Each send
// consumes one credit.
type SendItem struct {
	Cookie aids.ChannelCookie
	Value  avalue.SerializedValue
}

func (*SendItem) Kind() MessageKind { return KindSendItem }

func (m *SendItem) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendValueRegion(dst, m.Value), nil
}

func (m *SendItem) readBody(r *abin.Reader) error {
	m.Cookie = aids.ChannelCookie(readUuid(r))
	m.Value = readValueRegion(r)
	return r.Err()
}

// ItemReceived delivers one item to the receiver.
type ItemReceived struct {
	Cookie aids.ChannelCookie
	Value  avalue.SerializedValue
}

func (*ItemReceived) Kind() MessageKind { return KindItemReceived }

func (m *ItemReceived) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return appendValueRegion(dst, m.Value), nil
}

func (m *ItemReceived) readBody(r *abin.Reader) error {
	m.Cookie = aids.ChannelCookie(readUuid(r))
	m.Value = readValueRegion(r)
	return r.Err()
}

// AddChannelCapacity grants the sender more credit.
type AddChannelCapacity struct {
	Cookie   aids.ChannelCookie
	Capacity uint32
}

func (*AddChannelCapacity) Kind() MessageKind { return KindAddChannelCapacity }

func (m *AddChannelCapacity) appendBody(dst []byte) ([]byte, error) {
	dst = appendUuid(dst, uuid.UUID(m.Cookie))
	return abin.AppendU32(dst, m.Capacity), nil
}

func (m *AddChannelCapacity) readBody(r *abin.Reader) error {
	m.Cookie = aids.ChannelCookie(readUuid(r))
	m.Capacity = r.U32()
	return r.Err()
}
