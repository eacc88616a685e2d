// Package aclient implements the low-level client side of the aldrin
// protocol: handshake, ingress/egress pumping, request/reply correlation and
// the shutdown exchange. Generated bindings and higher-level object wrappers
// sit on top of this surface.
package aclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
	"github.com/sirupsen/logrus"
)

var (
	// ErrShutdown is returned by requests once the connection shut down.
	ErrShutdown = errors.New("connection shut down")

	// ErrVersionMismatch is returned when the broker rejects our protocol
	// version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrRejected is returned when the broker refuses the connection.
	ErrRejected = errors.New("connection rejected")
)

type cfg struct {
	logger       logrus.FieldLogger
	maxFrameLen  uint32
	egressDepth  int
	drainTimeout time.Duration

	onCall  func(*IncomingCall)
	onAbort func(serial uint32)
	onEvent func(*amsg.EmitEvent)
	onItem  func(*amsg.ItemReceived)
}

func defaultCfg() cfg {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return cfg{
		logger:       logger,
		maxFrameLen:  amsg.DefaultMaxMessageLen,
		egressDepth:  64,
		drainTimeout: 5 * time.Second,
	}
}

// Opt configures a Client.
type Opt interface{ apply(*cfg) }

type opt struct{ fn func(*cfg) }

func (o opt) apply(c *cfg) { o.fn(c) }

// WithLogger sets the client's logger.
func WithLogger(l logrus.FieldLogger) Opt { return opt{func(c *cfg) { c.logger = l }} }

// WithCallHandler installs the handler invoked for calls routed to services
// this connection owns.
func WithCallHandler(fn func(*IncomingCall)) Opt { return opt{func(c *cfg) { c.onCall = fn }} }

// WithAbortHandler installs the handler invoked when a caller aborts a call
// previously delivered to this connection.
func WithAbortHandler(fn func(serial uint32)) Opt { return opt{func(c *cfg) { c.onAbort = fn }} }

// WithEventHandler installs the handler invoked for subscribed events.
func WithEventHandler(fn func(*amsg.EmitEvent)) Opt { return opt{func(c *cfg) { c.onEvent = fn }} }

// WithItemHandler installs the handler invoked for channel items.
func WithItemHandler(fn func(*amsg.ItemReceived)) Opt { return opt{func(c *cfg) { c.onItem = fn }} }

// IncomingCall is one function call routed to a service this connection owns.
type IncomingCall struct {
	Serial   uint32
	Service  aids.ServiceCookie
	Function uint32
	Value    avalue.SerializedValue

	cl *Client
}

// Reply resolves the call.
func (c *IncomingCall) Reply(result amsg.CallFunctionResult, value avalue.SerializedValue) error {
	return c.cl.send(&amsg.CallFunctionReply{Serial: c.Serial, Result: result, Value: value})
}

// Client is one low-level connection to a broker.
type Client struct {
	rw      io.ReadWriteCloser
	cfg     cfg
	logger  logrus.FieldLogger
	version amsg.ProtocolVersion

	egress     chan amsg.Message
	egressOnce sync.Once

	mu      sync.Mutex
	calls   *functionCallMap
	pending map[uint32]chan amsg.Message
	serial  uint32

	dead   atomic.Bool
	deadCh chan struct{}

	sentShutdown atomic.Bool
	recvShutdown atomic.Bool
}

// Connect performs the handshake over rw and returns a client ready to Run.
func Connect(rw io.ReadWriteCloser, opts ...Opt) (*Client, error) {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	cl := &Client{
		rw:      rw,
		cfg:     c,
		logger:  c.logger,
		egress:  make(chan amsg.Message, c.egressDepth),
		calls:   newFunctionCallMap(),
		pending: make(map[uint32]chan amsg.Message),
		deadCh:  make(chan struct{}),
	}
	if err := cl.handshake(); err != nil {
		rw.Close()
		return nil, err
	}
	return cl, nil
}

func (cl *Client) handshake() error {
	frame, err := amsg.EncodeMessage(&amsg.Connect2{
		MajorVersion: amsg.MajorVersion,
		MinorVersion: amsg.MinorVersion,
		Value:        avalue.UnitValue(),
	})
	if err != nil {
		return err
	}
	if _, err := cl.rw.Write(frame); err != nil {
		return err
	}

	p := amsg.NewPacketizer(cl.cfg.maxFrameLen)
	for {
		raw, err := p.Next()
		if err != nil {
			return err
		}
		if raw == nil {
			spare := p.Spare(4 << 10)
			n, err := cl.rw.Read(spare)
			p.Advance(n)
			if err != nil {
				return err
			}
			continue
		}
		msg, err := amsg.DecodeMessage(raw)
		if err != nil {
			return err
		}
		reply, ok := msg.(*amsg.ConnectReply2)
		if !ok {
			return amsg.ErrUnexpectedMessage
		}
		switch reply.Result {
		case amsg.ConnectOk:
			cl.version = amsg.ProtocolVersion{Major: amsg.MajorVersion, Minor: reply.Minor}
			return nil
		case amsg.ConnectIncompatibleVersion:
			return ErrVersionMismatch
		default:
			return ErrRejected
		}
	}
}

// Version returns the negotiated protocol version.
func (cl *Client) Version() amsg.ProtocolVersion { return cl.version }

// Run pumps the connection until shutdown completes or the transport fails.
func (cl *Client) Run() error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		cl.writeLoop()
	}()

	err := cl.readLoop()

	cl.mu.Lock()
	cl.calls.resolveAll(ErrShutdown)
	for serial, ch := range cl.pending {
		delete(cl.pending, serial)
		close(ch)
	}
	cl.mu.Unlock()

	select {
	case <-writerDone:
	case <-time.After(cl.cfg.drainTimeout):
	}
	cl.die()
	if err == nil && !(cl.sentShutdown.Load() && cl.recvShutdown.Load()) {
		err = ErrShutdown
	}
	return err
}

func (cl *Client) readLoop() error {
	p := amsg.NewPacketizer(cl.cfg.maxFrameLen)
	for {
		frame, err := p.Next()
		if err != nil {
			return err
		}
		if frame == nil {
			spare := p.Spare(4 << 10)
			n, err := cl.rw.Read(spare)
			p.Advance(n)
			if err != nil {
				if cl.recvShutdown.Load() {
					return nil
				}
				return err
			}
			continue
		}
		msg, err := amsg.DecodeMessage(frame)
		if err != nil {
			return err
		}
		if done := cl.dispatch(msg); done {
			return nil
		}
	}
}

// dispatch routes one broker message. It returns true once the shutdown
// exchange is complete.
func (cl *Client) dispatch(msg amsg.Message) bool {
	switch m := msg.(type) {
	case *amsg.Shutdown:
		cl.recvShutdown.Store(true)
		if !cl.sentShutdown.Load() {
			cl.trySend(&amsg.Shutdown{})
		}
		cl.finishEgress()
		return true

	case *amsg.CallFunctionReply:
		cl.mu.Lock()
		cl.calls.resolve(m.Serial, callResult{result: m.Result, value: m.Value})
		cl.mu.Unlock()

	case *amsg.CallFunction:
		if cl.cfg.onCall != nil {
			cl.cfg.onCall(&IncomingCall{
				Serial:   m.Serial,
				Service:  m.Cookie,
				Function: m.Function,
				Value:    m.Value,
				cl:       cl,
			})
		} else {
			cl.trySend(&amsg.CallFunctionReply{Serial: m.Serial, Result: amsg.CallFunctionInvalidFunction})
		}

	case *amsg.AbortFunctionCall:
		if cl.cfg.onAbort != nil {
			cl.cfg.onAbort(m.Serial)
		}

	case *amsg.EmitEvent:
		if cl.cfg.onEvent != nil {
			cl.cfg.onEvent(m)
		}

	case *amsg.ItemReceived:
		if cl.cfg.onItem != nil {
			cl.cfg.onItem(m)
		}

	case *amsg.CreateObjectReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.DestroyObjectReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.CreateServiceReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.DestroyServiceReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.SubscribeEventReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.QueryServiceInfoReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.CreateChannelReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.CloseChannelEndReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.DestroyChannelEndReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.ClaimChannelEndReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.CreateBusListenerReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.DestroyBusListenerReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.StartBusListenerReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.StopBusListenerReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.SyncReply:
		cl.resolvePending(m.Serial, m)
	case *amsg.QueryIntrospectionReply:
		cl.resolvePending(m.Serial, m)

	default:
		// ChannelEndClaimed/Closed, EmitBusEvent, ServiceDestroyed and
		// similar notifications are surfaced through handlers in the
		// higher-level bindings; the low-level client tolerates them.
	}
	return false
}

func (cl *Client) resolvePending(serial uint32, m amsg.Message) {
	cl.mu.Lock()
	ch, ok := cl.pending[serial]
	if ok {
		delete(cl.pending, serial)
	}
	cl.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (cl *Client) writeLoop() {
	for m := range cl.egress {
		buf, err := amsg.EncodeMessage(m)
		if err != nil {
			cl.logger.WithError(err).Error("dropping unencodable message")
			continue
		}
		if _, err := cl.rw.Write(buf); err != nil {
			cl.die()
			return
		}
		if m.Kind() == amsg.KindShutdown {
			cl.sentShutdown.Store(true)
		}
	}
}

func (cl *Client) send(m amsg.Message) error {
	if cl.dead.Load() {
		return ErrShutdown
	}
	select {
	case cl.egress <- m:
		return nil
	case <-cl.deadCh:
		return ErrShutdown
	}
}

func (cl *Client) trySend(m amsg.Message) {
	if cl.dead.Load() {
		return
	}
	select {
	case cl.egress <- m:
	default:
	}
}

func (cl *Client) finishEgress() {
	cl.egressOnce.Do(func() { close(cl.egress) })
}

func (cl *Client) die() {
	if cl.dead.Swap(true) {
		return
	}
	cl.rw.Close()
	close(cl.deadCh)
}

// Shutdown starts the shutdown exchange. Run returns once it completes.
func (cl *Client) Shutdown() {
	if cl.sentShutdown.Load() {
		return
	}
	cl.trySend(&amsg.Shutdown{})
}

// nextSerial allocates a serial for a generic pending request. Callers hold
// cl.mu.
func (cl *Client) nextSerial() uint32 {
	for {
		serial := cl.serial
		cl.serial++
		if _, live := cl.pending[serial]; !live {
			return serial
		}
	}
}

// request sends a serial-correlated request and waits for its reply.
func (cl *Client) request(ctx context.Context, build func(serial uint32) amsg.Message) (amsg.Message, error) {
	ch := make(chan amsg.Message, 1)
	cl.mu.Lock()
	serial := cl.nextSerial()
	cl.pending[serial] = ch
	cl.mu.Unlock()

	if err := cl.send(build(serial)); err != nil {
		cl.mu.Lock()
		delete(cl.pending, serial)
		cl.mu.Unlock()
		return nil, err
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrShutdown
		}
		return m, nil
	case <-cl.deadCh:
		return nil, ErrShutdown
	case <-ctx.Done():
		cl.mu.Lock()
		delete(cl.pending, serial)
		cl.mu.Unlock()
		return nil, ctx.Err()
	}
}
