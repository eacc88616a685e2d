package abroker

import (
	"sync/atomic"

	"github.com/aldrinbus/aldrin-go/pkg/amsg"
)

// ConnectionId identifies one attached peer for the lifetime of the broker.
type ConnectionId uint64

var nextConnectionId atomic.Uint64

func newConnectionId() ConnectionId {
	return ConnectionId(nextConnectionId.Add(1))
}

// brokerEvent is one input to the broker scheduler. Connections and handles
// produce them; the single broker task consumes them.
type brokerEvent interface {
	isBrokerEvent()
}

// evNewConnection registers a connection that finished its handshake.
type evNewConnection struct {
	id      ConnectionId
	version amsg.ProtocolVersion
	conn    *Connection
}

// evMessage carries one decoded ingress message.
type evMessage struct {
	id  ConnectionId
	msg amsg.Message
}

// evConnectionShutdown reports that a connection received the peer's Shutdown
// or lost its transport.
type evConnectionShutdown struct {
	id ConnectionId
}

// evShutdownBroker asks the broker to shut down every connection and stop.
type evShutdownBroker struct{}

// evShutdownIdleBroker asks the broker to stop if no connections are attached.
type evShutdownIdleBroker struct{}

// evShutdownConnection asks the broker to shut down one connection.
type evShutdownConnection struct {
	id ConnectionId
}

// evTakeStatistics asks for a snapshot; the reply channel has capacity 1.
type evTakeStatistics struct {
	reply chan<- BrokerStatistics
}

func (evNewConnection) isBrokerEvent()      {}
func (evMessage) isBrokerEvent()            {}
func (evConnectionShutdown) isBrokerEvent() {}
func (evShutdownBroker) isBrokerEvent()     {}
func (evShutdownIdleBroker) isBrokerEvent() {}
func (evShutdownConnection) isBrokerEvent() {}
func (evTakeStatistics) isBrokerEvent()     {}
