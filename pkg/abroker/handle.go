package abroker

import (
	"context"
	"errors"
	"io"
)

// ErrBrokerShutdown is returned by handle operations once the broker stopped.
var ErrBrokerShutdown = errors.New("broker shut down")

// BrokerHandle commands a running broker from outside its loop. Handles are
// safe for concurrent use.
type BrokerHandle struct {
	broker *Broker
}

// sendEvent enqueues ev, failing if the broker stopped or ctx expired.
func (h *BrokerHandle) sendEvent(ctx context.Context, ev brokerEvent) error {
	select {
	case h.broker.events <- ev:
		return nil
	case <-h.broker.stopped:
		return ErrBrokerShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddConnection wraps a transport in a Connection attached to this broker.
// The caller must drive it with Connection.Run.
func (h *BrokerHandle) AddConnection(rw io.ReadWriteCloser, opts ...Opt) *Connection {
	c := h.broker.cfg
	for _, o := range opts {
		o.apply(&c)
	}
	return newConnection(rw, h.broker.events, h.broker.stopped, c)
}

// Shutdown asks the broker to close every connection and stop, then waits for
// it.
func (h *BrokerHandle) Shutdown(ctx context.Context) error {
	if err := h.sendEvent(ctx, evShutdownBroker{}); err != nil {
		if errors.Is(err, ErrBrokerShutdown) {
			return nil
		}
		return err
	}
	select {
	case <-h.broker.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownIdle asks the broker to stop if it currently has no connections. It
// does not wait.
func (h *BrokerHandle) ShutdownIdle(ctx context.Context) error {
	err := h.sendEvent(ctx, evShutdownIdleBroker{})
	if errors.Is(err, ErrBrokerShutdown) {
		return nil
	}
	return err
}

// ShutdownConnection starts the shutdown exchange for one connection.
func (h *BrokerHandle) ShutdownConnection(ctx context.Context, id ConnectionId) error {
	return h.sendEvent(ctx, evShutdownConnection{id: id})
}

// TakeStatistics snapshots and resets the broker's interval counters.
func (h *BrokerHandle) TakeStatistics(ctx context.Context) (BrokerStatistics, error) {
	reply := make(chan BrokerStatistics, 1)
	if err := h.sendEvent(ctx, evTakeStatistics{reply: reply}); err != nil {
		return BrokerStatistics{}, err
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-h.broker.stopped:
		return BrokerStatistics{}, ErrBrokerShutdown
	case <-ctx.Done():
		return BrokerStatistics{}, ctx.Err()
	}
}

// Stopped returns a channel closed when the broker's Run returns.
func (h *BrokerHandle) Stopped() <-chan struct{} {
	return h.broker.stopped
}
