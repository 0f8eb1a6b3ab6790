// Package monitor periodically requests port statistics from middle
// switches.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
	"github.com/yanet-platform/fabricd/controller/internal/switchid"
)

// Config is the monitor configuration.
type Config struct {
	// Interval between two polling cycles.
	Interval time.Duration `yaml:"interval"`
	// RequestTimeout bounds sending a single statistics request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Concurrency limits the number of requests sent in parallel.
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		RequestTimeout: time.Second,
		Concurrency:    16,
	}
}

// Source provides the set of currently connected switches.
type Source interface {
	List() []fabric.Switch
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// MonitorOption is a function that configures the Monitor.
type MonitorOption func(*options)

// WithLog sets the logger for the Monitor.
func WithLog(log *zap.SugaredLogger) MonitorOption {
	return func(o *options) {
		o.Log = log
	}
}

// Monitor polls middle switches for port statistics.
//
// Replies are not awaited, they are delivered through the transport event
// handler.
type Monitor struct {
	cfg    Config
	source Source
	log    *zap.SugaredLogger
}

// New creates a new Monitor.
func New(cfg Config, source Source, options ...MonitorOption) *Monitor {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Monitor{
		cfg:    cfg,
		source: source,
		log:    opts.Log,
	}
}

// Run polls on every interval tick until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Infow("running traffic monitor", zap.Duration("interval", m.cfg.Interval))
	defer m.log.Info("stopped traffic monitor")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.Poll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll sends a port statistics request for all ports to every connected
// middle switch and returns the number of requests sent successfully.
//
// A failing switch does not affect requests to the others.
func (m *Monitor) Poll(ctx context.Context) int {
	wg := errgroup.Group{}
	if m.cfg.Concurrency > 0 {
		wg.SetLimit(m.cfg.Concurrency)
	}

	sent := atomic.Int64{}
	for _, sw := range m.source.List() {
		if switchid.Classify(sw.ID()).Kind != switchid.Middle {
			continue
		}

		wg.Go(func() error {
			if err := m.request(ctx, sw); err != nil {
				m.log.Warnw("failed to request port stats",
					zap.Stringer("dpid", sw.ID()),
					zap.Error(err),
				)
				return nil
			}

			m.log.Debugw("requested port stats", zap.Stringer("dpid", sw.ID()))
			sent.Add(1)
			return nil
		})
	}
	wg.Wait()

	return int(sent.Load())
}

func (m *Monitor) request(ctx context.Context, sw fabric.Switch) error {
	if m.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
	}

	return sw.RequestPortStats(ctx, fabric.PortAny)
}
