// Package trigger implements the single-shot congestion trigger.
//
// The trigger starts Armed and moves to Fired the first time a middle switch
// reports a physical port whose transmitted plus received byte counters
// exceed the threshold. Fired is terminal.
package trigger

import (
	"context"
	"sync/atomic"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
	"github.com/yanet-platform/fabricd/controller/internal/switchid"
)

// State of the trigger.
type State uint32

const (
	Armed State = iota
	Fired
)

func (m State) String() string {
	if m == Fired {
		return "fired"
	}
	return "armed"
}

// FireFunc is the action run exactly once when the trigger fires.
type FireFunc func(ctx context.Context) error

// Config is the trigger configuration.
type Config struct {
	// Threshold is the per-port traffic volume that fires the trigger.
	Threshold datasize.ByteSize `yaml:"threshold"`
	// MaxPhysicalPort is the largest port number considered to be a
	// physical host or uplink port. Ports above are ignored.
	MaxPhysicalPort fabric.PortNo `yaml:"max_physical_port"`
}

// DefaultConfig returns the default trigger configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:       100 * datasize.MB,
		MaxPhysicalPort: 20,
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// TriggerOption is a function that configures the Trigger.
type TriggerOption func(*options)

// WithLog sets the logger for the Trigger.
func WithLog(log *zap.SugaredLogger) TriggerOption {
	return func(o *options) {
		o.Log = log
	}
}

// Trigger watches port statistics of middle switches and runs the fire
// action once.
type Trigger struct {
	cfg   Config
	state atomic.Uint32
	fire  FireFunc
	log   *zap.SugaredLogger
}

// New creates a new armed Trigger.
func New(cfg Config, fire FireFunc, options ...TriggerOption) *Trigger {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Trigger{
		cfg:  cfg,
		fire: fire,
		log:  opts.Log,
	}
}

// State returns the current trigger state.
func (m *Trigger) State() State {
	return State(m.state.Load())
}

// Fired reports whether the trigger has already fired.
func (m *Trigger) Fired() bool {
	return m.State() == Fired
}

// Observe evaluates a single port statistics reply from the given switch.
//
// Replies from non-middle switches, and all replies after the trigger has
// fired, are ignored. Counters are never accumulated across replies. The
// first qualifying port above the threshold fires the trigger and the rest of
// the reply is skipped.
//
// Returns true if this call fired the trigger.
func (m *Trigger) Observe(ctx context.Context, id fabric.DatapathID, stats []fabric.PortStats) bool {
	if m.Fired() {
		return false
	}
	if switchid.Classify(id).Kind != switchid.Middle {
		return false
	}

	for _, s := range stats {
		if s.PortNo == fabric.PortLocal || s.PortNo > m.cfg.MaxPhysicalPort {
			continue
		}

		total := datasize.ByteSize(s.TotalBytes())
		m.log.Infow("observed port traffic",
			zap.Stringer("dpid", id),
			zap.Uint32("port", uint32(s.PortNo)),
			zap.Float64("total_mb", total.MBytes()),
		)

		if total <= m.cfg.Threshold {
			continue
		}

		if !m.state.CompareAndSwap(uint32(Armed), uint32(Fired)) {
			return false
		}

		m.log.Warnw("high traffic detected, firing trigger",
			zap.Stringer("dpid", id),
			zap.Uint32("port", uint32(s.PortNo)),
			zap.String("total", total.HumanReadable()),
			zap.String("threshold", m.cfg.Threshold.HumanReadable()),
		)
		if err := m.fire(ctx); err != nil {
			m.log.Errorw("failed to run trigger action", zap.Error(err))
		}
		return true
	}

	return false
}
