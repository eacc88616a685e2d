package amsg

import (
	"github.com/aldrinbus/aldrin-go/pkg/abin"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
)

// Connect is the legacy single-version handshake. Clients speaking 1.x use
// Connect2; the broker accepts Connect only when Version equals its own minor
// version and otherwise answers with VersionMismatch.
type Connect struct {
	Version uint32
	Value   avalue.SerializedValue
}

func (*Connect) Kind() MessageKind { return KindConnect }

func (m *Connect) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.Version)
	return appendValueRegion(dst, m.Value), nil
}

func (m *Connect) readBody(r *abin.Reader) error {
	m.Version = r.U32()
	m.Value = readValueRegion(r)
	return r.Err()
}

// ConnectReplyResult discriminates ConnectReply.
type ConnectReplyResult uint8

const (
	ConnectReplyOk ConnectReplyResult = iota
	ConnectReplyVersionMismatch
	ConnectReplyRejected
)

// ConnectReply answers a legacy Connect.
type ConnectReply struct {
	Result ConnectReplyResult

	// Version carries the broker's version on VersionMismatch.
	Version uint32

	Value avalue.SerializedValue
}

func (*ConnectReply) Kind() MessageKind { return KindConnectReply }

func (m *ConnectReply) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU8(dst, uint8(m.Result))
	if m.Result == ConnectReplyVersionMismatch {
		dst = abin.AppendU32(dst, m.Version)
	}
	return appendValueRegion(dst, m.Value), nil
}

func (m *ConnectReply) readBody(r *abin.Reader) error {
	m.Result = ConnectReplyResult(r.U8())
	switch m.Result {
	case ConnectReplyOk, ConnectReplyRejected:
	case ConnectReplyVersionMismatch:
		m.Version = r.U32()
	default:
		r.Fail(abin.ErrInvalidSerialization)
	}
	m.Value = readValueRegion(r)
	return r.Err()
}

// Connect2 is the primary handshake: the client offers its version and
// optional connect data.
type Connect2 struct {
	MajorVersion uint32
	MinorVersion uint32
	Value        avalue.SerializedValue
}

func (*Connect2) Kind() MessageKind { return KindConnect2 }

func (m *Connect2) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU32(dst, m.MajorVersion)
	dst = abin.AppendU32(dst, m.MinorVersion)
	return appendValueRegion(dst, m.Value), nil
}

func (m *Connect2) readBody(r *abin.Reader) error {
	m.MajorVersion = r.U32()
	m.MinorVersion = r.U32()
	m.Value = readValueRegion(r)
	return r.Err()
}

// ConnectResult discriminates ConnectReply2.
type ConnectResult uint8

const (
	ConnectOk ConnectResult = iota
	ConnectIncompatibleVersion
	ConnectRejected
)

// ConnectReply2 answers Connect2. On Ok, Minor carries the negotiated minor
// version; on IncompatibleVersion it carries the broker's own minor.
type ConnectReply2 struct {
	Result ConnectResult
	Minor  uint32
	Value  avalue.SerializedValue
}

func (*ConnectReply2) Kind() MessageKind { return KindConnectReply2 }

func (m *ConnectReply2) appendBody(dst []byte) ([]byte, error) {
	dst = abin.AppendU8(dst, uint8(m.Result))
	dst = abin.AppendU32(dst, m.Minor)
	return appendValueRegion(dst, m.Value), nil
}

func (m *ConnectReply2) readBody(r *abin.Reader) error {
	m.Result = ConnectResult(r.U8())
	if m.Result > ConnectRejected {
		r.Fail(abin.ErrInvalidSerialization)
	}
	m.Minor = r.U32()
	m.Value = readValueRegion(r)
	return r.Err()
}

// Shutdown initiates or acknowledges orderly teardown. It has no body.
type Shutdown struct{}

func (*Shutdown) Kind() MessageKind { return KindShutdown }

func (m *Shutdown) appendBody(dst []byte) ([]byte, error) { return dst, nil }

func (m *Shutdown) readBody(r *abin.Reader) error { return r.Err() }

// Sync requests a barrier: the broker replies once everything queued before
// the Sync has been forwarded.
type Sync struct {
	Serial uint32
}

func (*Sync) Kind() MessageKind { return KindSync }

func (m *Sync) appendBody(dst []byte) ([]byte, error) {
	return abin.AppendU32(dst, m.Serial), nil
}

func (m *Sync) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	return r.Err()
}

// SyncReply completes a Sync barrier.
type SyncReply struct {
	Serial uint32
}

func (*SyncReply) Kind() MessageKind { return KindSyncReply }

func (m *SyncReply) appendBody(dst []byte) ([]byte, error) {
	return abin.AppendU32(dst, m.Serial), nil
}

func (m *SyncReply) readBody(r *abin.Reader) error {
	m.Serial = r.U32()
	return r.Err()
}
