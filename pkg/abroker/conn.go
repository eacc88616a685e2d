package abroker

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	"github.com/sirupsen/logrus"
)

var (
	// ErrConnDead is returned when the transport failed or the connection was
	// torn down mid-operation.
	ErrConnDead = errors.New("connection dead")

	// ErrUnexpectedShutdown is returned when the peer vanished without
	// completing the shutdown exchange.
	ErrUnexpectedShutdown = errors.New("unexpected shutdown")
)

// Connection drives one peer: handshake, framed ingress into the broker,
// egress draining back to the transport, and the two-way shutdown exchange.
//
// The broker enqueues egress messages; a single writer goroutine drains them.
// Nothing in the broker ever blocks on a connection: enqueueing is
// try-or-fail, and an overflowing connection is shut down.
type Connection struct {
	id      ConnectionId
	rw      io.ReadWriteCloser
	events  chan<- brokerEvent
	stopped <-chan struct{}
	cfg     cfg
	logger  *logrus.Entry

	egress     chan amsg.Message
	egressOnce sync.Once

	dead   atomic.Bool
	deadCh chan struct{}

	sentShutdown atomic.Bool
	recvShutdown atomic.Bool

	notifyOnce sync.Once
}

func newConnection(rw io.ReadWriteCloser, events chan<- brokerEvent, stopped <-chan struct{}, c cfg) *Connection {
	id := newConnectionId()
	return &Connection{
		id:      id,
		rw:      rw,
		events:  events,
		stopped: stopped,
		cfg:     c,
		logger:  c.logger.WithField("conn", id),
		egress:  make(chan amsg.Message, c.egressDepth),
		deadCh:  make(chan struct{}),
	}
}

// sendEvent delivers ev to the broker, giving up if the broker stopped.
func (c *Connection) sendEvent(ev brokerEvent) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// Id returns the broker-local connection id.
func (c *Connection) Id() ConnectionId { return c.id }

// Handle returns a handle usable from outside the broker loop.
func (c *Connection) Handle() *ConnectionHandle {
	return &ConnectionHandle{id: c.id, events: c.events}
}

// Run drives the connection until it is closed from either side. It performs
// the handshake, registers with the broker, then pumps ingress frames into
// the broker until shutdown completes or the transport fails.
func (c *Connection) Run() error {
	err := c.run()
	c.die()
	if err == nil && !(c.sentShutdown.Load() && c.recvShutdown.Load()) {
		err = ErrUnexpectedShutdown
	}
	return err
}

func (c *Connection) run() error {
	version, err := c.handshake()
	if err != nil {
		return err
	}
	c.sendEvent(evNewConnection{id: c.id, version: version, conn: c})
	c.logger.WithField("version", version).Debug("connection established")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	readerDone := make(chan struct{})

	// Once the egress side is flushed, a peer that never finishes its half of
	// the shutdown exchange would leave the reader blocked forever; tear the
	// transport down after the drain timeout.
	go func() {
		select {
		case <-writerDone:
			select {
			case <-readerDone:
			case <-time.After(c.cfg.drainTimeout):
				c.die()
			}
		case <-readerDone:
		}
	}()

	readErr := c.readLoop()
	close(readerDone)

	// Give the writer a bounded chance to flush the Shutdown frame.
	select {
	case <-writerDone:
	case <-time.After(c.cfg.drainTimeout):
	}
	return readErr
}

// handshake reads the first frame and negotiates a protocol version. The
// reply is written directly; the writer goroutine starts only afterwards.
func (c *Connection) handshake() (amsg.ProtocolVersion, error) {
	msg, err := c.readOne()
	if err != nil {
		return amsg.ProtocolVersion{}, err
	}

	switch m := msg.(type) {
	case *amsg.Connect2:
		offered := amsg.ProtocolVersion{Major: m.MajorVersion, Minor: m.MinorVersion}
		version, ok := amsg.CurrentVersion().Negotiate(offered)
		if !ok {
			c.writeMessage(&amsg.ConnectReply2{
				Result: amsg.ConnectIncompatibleVersion,
				Minor:  amsg.MinorVersion,
			})
			c.logger.WithField("offered", offered).Debug("rejecting incompatible version")
			return amsg.ProtocolVersion{}, ErrUnexpectedShutdown
		}
		if err := c.writeMessage(&amsg.ConnectReply2{Result: amsg.ConnectOk, Minor: version.Minor}); err != nil {
			return amsg.ProtocolVersion{}, err
		}
		return version, nil

	case *amsg.Connect:
		// Legacy handshake: a bare minor version. Accept only an exact match.
		if m.Version == amsg.MinorVersion {
			if err := c.writeMessage(&amsg.ConnectReply{Result: amsg.ConnectReplyOk}); err != nil {
				return amsg.ProtocolVersion{}, err
			}
			return amsg.CurrentVersion(), nil
		}
		c.writeMessage(&amsg.ConnectReply{
			Result:  amsg.ConnectReplyVersionMismatch,
			Version: amsg.MinorVersion,
		})
		c.logger.WithField("offered", m.Version).Debug("rejecting mismatched legacy version")
		return amsg.ProtocolVersion{}, ErrUnexpectedShutdown

	default:
		return amsg.ProtocolVersion{}, amsg.ErrUnexpectedMessage
	}
}

// readOne reads exactly one message, for the handshake.
func (c *Connection) readOne() (amsg.Message, error) {
	p := amsg.NewPacketizer(c.cfg.maxFrameLen)
	for {
		frame, err := p.Next()
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return amsg.DecodeMessage(frame)
		}
		spare := p.Spare(4 << 10)
		n, err := c.rw.Read(spare)
		p.Advance(n)
		if err != nil {
			return nil, err
		}
	}
}

// readLoop pumps decoded ingress messages into the broker. It returns nil
// once the shutdown exchange is complete, or the transport error otherwise.
func (c *Connection) readLoop() error {
	p := amsg.NewPacketizer(c.cfg.maxFrameLen)
	for {
		frame, err := p.Next()
		if err != nil {
			// Corrupt framing kills the connection.
			c.notifyShutdown()
			return err
		}
		if frame == nil {
			spare := p.Spare(4 << 10)
			n, err := c.rw.Read(spare)
			p.Advance(n)
			if err != nil {
				if c.recvShutdown.Load() {
					// The peer closed after completing the exchange.
					return nil
				}
				c.notifyShutdown()
				if errors.Is(err, io.EOF) {
					return ErrUnexpectedShutdown
				}
				return err
			}
			continue
		}

		msg, err := amsg.DecodeMessage(frame)
		if err != nil {
			c.notifyShutdown()
			return err
		}

		if _, ok := msg.(*amsg.Shutdown); ok {
			c.recvShutdown.Store(true)
			c.notifyShutdown()
			return nil
		}
		c.sendEvent(evMessage{id: c.id, msg: msg})
	}
}

// writeLoop drains egress to the transport. It exits when the broker closes
// the egress queue (after enqueueing the final Shutdown) or the transport
// dies.
func (c *Connection) writeLoop() {
	for m := range c.egress {
		if err := c.writeMessage(m); err != nil {
			c.logger.WithError(err).Debug("write failed, killing connection")
			c.die()
			return
		}
	}
}

func (c *Connection) writeMessage(m amsg.Message) error {
	buf, err := amsg.EncodeMessage(m)
	if err != nil {
		return err
	}
	if _, err := c.rw.Write(buf); err != nil {
		return ErrConnDead
	}
	if m.Kind() == amsg.KindShutdown {
		c.sentShutdown.Store(true)
	}
	return nil
}

// trySend enqueues m without ever blocking. Only the broker loop calls this.
// A false return means the connection is dead or its egress queue overflowed;
// either way the broker must stop routing to it.
func (c *Connection) trySend(m amsg.Message) bool {
	if c.dead.Load() {
		return false
	}
	select {
	case c.egress <- m:
		return true
	default:
		return false
	}
}

// finishEgress closes the egress queue after the broker enqueued the final
// Shutdown. Only the broker loop calls this, exactly once per connection.
func (c *Connection) finishEgress() {
	c.egressOnce.Do(func() { close(c.egress) })
}

// die force-closes the transport. Idempotent; safe from any goroutine.
func (c *Connection) die() {
	if c.dead.Swap(true) {
		return
	}
	c.rw.Close()
	close(c.deadCh)
	c.notifyShutdown()
}

// notifyShutdown tells the broker at most once that this connection is gone.
func (c *Connection) notifyShutdown() {
	c.notifyOnce.Do(func() {
		c.sendEvent(evConnectionShutdown{id: c.id})
	})
}

// ConnectionHandle commands one connection from outside the broker loop.
type ConnectionHandle struct {
	id     ConnectionId
	events chan<- brokerEvent
}

// Id returns the connection's broker-local id.
func (h *ConnectionHandle) Id() ConnectionId { return h.id }

// Shutdown asks the broker to start the shutdown exchange for this
// connection. It returns without waiting for the exchange to finish.
func (h *ConnectionHandle) Shutdown() {
	h.events <- evShutdownConnection{id: h.id}
}
