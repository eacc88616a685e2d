package abroker

import (
	"time"

	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	"github.com/sirupsen/logrus"
)

type cfg struct {
	logger       logrus.FieldLogger
	egressDepth  int
	maxFrameLen  uint32
	drainTimeout time.Duration
	eventDepth   int
}

func defaultCfg() cfg {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return cfg{
		logger:       logger,
		egressDepth:  64,
		maxFrameLen:  amsg.DefaultMaxMessageLen,
		drainTimeout: 5 * time.Second,
		eventDepth:   128,
	}
}

// Opt configures a Broker.
type Opt interface {
	apply(*cfg)
}

type opt struct{ fn func(*cfg) }

func (o opt) apply(c *cfg) { o.fn(c) }

// WithLogger sets the logger used by the broker and its connections.
func WithLogger(l logrus.FieldLogger) Opt {
	return opt{func(c *cfg) { c.logger = l }}
}

// WithEgressDepth bounds each connection's egress queue. A connection whose
// queue overflows is shut down rather than ever blocking the broker.
func WithEgressDepth(n int) Opt {
	return opt{func(c *cfg) {
		if n > 0 {
			c.egressDepth = n
		}
	}}
}

// WithMaxFrameLen bounds incoming frame sizes.
func WithMaxFrameLen(n uint32) Opt {
	return opt{func(c *cfg) {
		if n > 0 {
			c.maxFrameLen = n
		}
	}}
}

// WithDrainTimeout bounds how long a closing connection waits for the peer's
// Shutdown before the transport is torn down anyway.
func WithDrainTimeout(d time.Duration) Opt {
	return opt{func(c *cfg) {
		if d > 0 {
			c.drainTimeout = d
		}
	}}
}
