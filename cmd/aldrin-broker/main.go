// Command aldrin-broker runs a standalone aldrin bus broker on a TCP listener
// with an optional Prometheus metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aldrinbus/aldrin-go/pkg/abroker"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type config struct {
	Listen       string        `json:"listen"`
	MetricsAddr  string        `json:"metrics-addr"`
	LogLevel     string        `json:"log-level"`
	EgressDepth  int           `json:"egress-depth"`
	MaxFrameLen  uint32        `json:"max-frame-len"`
	DrainTimeout time.Duration `json:"drain-timeout"`
}

func defaultConfig() config {
	return config{
		Listen:       "127.0.0.1:24940",
		LogLevel:     "info",
		EgressDepth:  64,
		DrainTimeout: 5 * time.Second,
	}
}

// loadConfig merges an optional JSON config file with command-line flags;
// flags win.
func loadConfig(path string, flags *pflag.FlagSet, cfg *config) error {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "reading config file")
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return errors.Wrapf(err, "parsing config file %s", path)
		}
	}

	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("egress-depth") {
		cfg.EgressDepth, _ = flags.GetInt("egress-depth")
	}
	if flags.Changed("max-frame-len") {
		cfg.MaxFrameLen, _ = flags.GetUint32("max-frame-len")
	}
	if flags.Changed("drain-timeout") {
		cfg.DrainTimeout, _ = flags.GetDuration("drain-timeout")
	}
	return nil
}

func main() {
	cfg := defaultConfig()
	var configFile string

	cmd := &cobra.Command{
		Use:           "aldrin-broker",
		Short:         "Run an aldrin bus broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(configFile, cmd.Flags(), &cfg); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a JSON config file")
	flags.String("listen", cfg.Listen, "address to accept bus connections on")
	flags.String("metrics-addr", cfg.MetricsAddr, "address to serve /metrics on (disabled if empty)")
	flags.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.Int("egress-depth", cfg.EgressDepth, "per-connection egress queue depth")
	flags.Uint32("max-frame-len", cfg.MaxFrameLen, "maximum accepted frame length in bytes (0 = default)")
	flags.Duration("drain-timeout", cfg.DrainTimeout, "how long a closing connection waits for the peer")

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("broker failed")
	}
}

func run(cfg config) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", cfg.LogLevel)
	}
	logger.SetLevel(level)

	opts := []abroker.Opt{
		abroker.WithLogger(logger),
		abroker.WithEgressDepth(cfg.EgressDepth),
		abroker.WithDrainTimeout(cfg.DrainTimeout),
	}
	if cfg.MaxFrameLen > 0 {
		opts = append(opts, abroker.WithMaxFrameLen(cfg.MaxFrameLen))
	}
	broker, handle := abroker.New(opts...)

	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		broker.Run()
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", cfg.Listen)
	}
	defer ln.Close()
	logger.WithField("addr", ln.Addr()).Info("broker listening")

	if cfg.MetricsAddr != "" {
		go serveMetrics(logger, handle, cfg.MetricsAddr)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c := handle.AddConnection(conn)
			logger.WithFields(logrus.Fields{
				"conn":   c.Id(),
				"remote": conn.RemoteAddr(),
			}).Debug("accepted connection")
			go func() {
				if err := c.Run(); err != nil {
					logger.WithField("conn", c.Id()).WithError(err).Debug("connection closed")
				}
			}()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("shutting down")
	case <-brokerDone:
		return nil
	}

	ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := handle.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "broker shutdown")
	}
	<-brokerDone
	return nil
}

// serveMetrics exposes broker statistics as Prometheus metrics, polling one
// snapshot every 10 seconds.
func serveMetrics(logger *logrus.Logger, handle *abroker.BrokerHandle, addr string) {
	namespace := "aldrin_broker"
	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "connections",
		Help: "Currently attached connections.",
	})
	counters := map[string]prometheus.Counter{}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		counters[name] = c
		return c
	}
	messagesSent := counter("messages_sent_total", "Messages forwarded to connections.")
	messagesReceived := counter("messages_received_total", "Messages received from connections.")
	objectsCreated := counter("objects_created_total", "Objects created.")
	objectsDestroyed := counter("objects_destroyed_total", "Objects destroyed.")
	servicesCreated := counter("services_created_total", "Services created.")
	servicesDestroyed := counter("services_destroyed_total", "Services destroyed.")
	channelsCreated := counter("channels_created_total", "Channels created.")
	channelsDestroyed := counter("channels_destroyed_total", "Channels destroyed.")
	itemsForwarded := counter("channel_items_forwarded_total", "Channel items forwarded.")
	busEvents := counter("bus_events_emitted_total", "Bus listener events emitted.")

	reg := prometheus.NewRegistry()
	reg.MustRegister(connections)
	for _, c := range counters {
		reg.MustRegister(c)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			stats, err := handle.TakeStatistics(ctx)
			cancel()
			if err != nil {
				return
			}
			connections.Set(float64(stats.NumConnections))
			messagesSent.Add(float64(stats.MessagesSent))
			messagesReceived.Add(float64(stats.MessagesReceived))
			objectsCreated.Add(float64(stats.ObjectsCreated))
			objectsDestroyed.Add(float64(stats.ObjectsDestroyed))
			servicesCreated.Add(float64(stats.ServicesCreated))
			servicesDestroyed.Add(float64(stats.ServicesDestroyed))
			channelsCreated.Add(float64(stats.ChannelsCreated))
			channelsDestroyed.Add(float64(stats.ChannelsDestroyed))
			itemsForwarded.Add(float64(stats.ItemsForwarded))
			busEvents.Add(float64(stats.BusEventsEmitted))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Warn("metrics endpoint failed")
	}
}
