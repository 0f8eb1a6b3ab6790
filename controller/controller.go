package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/fabricd/controller/internal/admin"
	"github.com/yanet-platform/fabricd/controller/internal/fabric"
	"github.com/yanet-platform/fabricd/controller/internal/flow"
	"github.com/yanet-platform/fabricd/controller/internal/monitor"
	"github.com/yanet-platform/fabricd/controller/internal/openflow"
	"github.com/yanet-platform/fabricd/controller/internal/registry"
	"github.com/yanet-platform/fabricd/controller/internal/switchid"
	"github.com/yanet-platform/fabricd/controller/internal/trigger"
)

// ErrNoClientEdge is returned when the alternate rules must be installed but
// no client edge switch is connected.
var ErrNoClientEdge = errors.New("no client edge switch connected")

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// ControllerOption is a function that configures the controller.
type ControllerOption func(*options)

// WithLog sets the logger for the controller.
func WithLog(log *zap.SugaredLogger) ControllerOption {
	return func(o *options) {
		o.Log = log
	}
}

// Controller is the fabric controller session.
//
// It installs role-specific rules on every connecting switch, polls middle
// switches for traffic and reroutes the client edge once on congestion.
type Controller struct {
	cfg      *Config
	params   flow.Params
	allowed  []glob.Glob
	registry *registry.Registry
	monitor  *monitor.Monitor
	trigger  *trigger.Trigger
	server   *openflow.Server
	admin    *admin.Server
	log      *zap.SugaredLogger
}

// NewController creates a new controller using the provided configuration.
func NewController(cfg *Config, options ...ControllerOption) (*Controller, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	allowed, err := compilePatterns(cfg.Controller.AllowedDatapaths)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	log.Infow("initializing fabric controller", zap.Any("config", cfg))

	r := registry.New()

	m := &Controller{
		cfg:      cfg,
		params:   cfg.Fabric.Params(),
		allowed:  allowed,
		registry: r,
		monitor:  monitor.New(cfg.Monitor, r, monitor.WithLog(log.Named("monitor"))),
		log:      log,
	}
	m.trigger = trigger.New(cfg.Trigger, m.installAlternate, trigger.WithLog(log.Named("trigger")))
	m.server = openflow.NewServer(cfg.Controller.Config, m, openflow.WithLog(log.Named("openflow")))
	if cfg.Controller.AdminEndpoint != "" {
		m.admin = admin.NewServer(cfg.Controller.AdminEndpoint, admin.WithLog(log.Named("admin")))
	}

	return m, nil
}

// Run serves switches, polls traffic and exposes the admin API until the
// context is canceled.
func (m *Controller) Run(ctx context.Context) error {
	m.log.Info("running controller")
	defer m.log.Info("stopped controller")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.server.Run(ctx)
	})
	wg.Go(func() error {
		return m.monitor.Run(ctx)
	})

	if m.admin != nil {
		wg.Go(func() error {
			return m.admin.Run(ctx)
		})
		wg.Go(func() error {
			select {
			case <-m.server.Ready():
				m.admin.SetServing(true)
			case <-ctx.Done():
			}
			return nil
		})
	}

	return wg.Wait()
}

// Triggered reports whether the congestion trigger has fired.
func (m *Controller) Triggered() bool {
	return m.trigger.Fired()
}

// OnSwitchConnected classifies the switch, registers it and installs its
// default rules.
func (m *Controller) OnSwitchConnected(ctx context.Context, sw fabric.Switch) error {
	id := sw.ID()
	if !m.isAllowed(id) {
		return fmt.Errorf("datapath %s is not allowed", id)
	}

	role := switchid.Classify(id)
	log := m.log.With(zap.Stringer("dpid", id), zap.Stringer("role", role))
	log.Infow("switch connected")

	if _, replaced := m.registry.Add(sw); replaced {
		log.Warnw("replaced stale switch session")
	}

	if role.Kind == switchid.Unclassified {
		log.Warnw("switch does not follow the fabric naming convention, ignoring")
		return nil
	}

	if err := m.installRules(ctx, sw, flow.Compile(role, m.params)); err != nil {
		log.Warnw("failed to install some default rules", zap.Error(err))
	}

	return nil
}

// OnSwitchDisconnected unregisters the switch.
func (m *Controller) OnSwitchDisconnected(sw fabric.Switch) {
	if m.registry.Remove(sw) {
		m.log.Infow("switch disconnected", zap.Stringer("dpid", sw.ID()))
	}
}

// OnPortStatsReply feeds the reply to the congestion trigger.
func (m *Controller) OnPortStatsReply(ctx context.Context, sw fabric.Switch, stats []fabric.PortStats) {
	m.trigger.Observe(ctx, sw.ID(), stats)
}

func (m *Controller) isAllowed(id fabric.DatapathID) bool {
	s := id.String()
	for _, g := range m.allowed {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// installAlternate pushes the alternate rule set to the connected client
// edge switch.
func (m *Controller) installAlternate(ctx context.Context) error {
	sw := m.clientEdge()
	if sw == nil {
		m.log.Errorw("cannot install alternate rules, client edge switch is disconnected")
		return ErrNoClientEdge
	}

	m.log.Infow("installing alternate rules", zap.Stringer("dpid", sw.ID()))
	return m.installRules(ctx, sw, flow.CompileAlternate(m.params))
}

func (m *Controller) clientEdge() fabric.Switch {
	for _, sw := range m.registry.List() {
		if switchid.Classify(sw.ID()).Kind == switchid.ClientEdge {
			return sw
		}
	}
	return nil
}

// installRules sends every rule, continuing past failures.
func (m *Controller) installRules(ctx context.Context, sw fabric.Switch, rules []fabric.FlowRule) error {
	var errs []error
	for _, rule := range rules {
		if err := sw.InstallFlow(ctx, rule); err != nil {
			errs = append(errs, fmt.Errorf("failed to install %s: %w", rule, err))
			continue
		}

		m.log.Debugw("installed flow rule",
			zap.Stringer("dpid", sw.ID()),
			zap.Uint16("priority", rule.Priority),
			zap.Stringer("dst", rule.Match.IPv4Dst),
			zap.Uint32("port", uint32(rule.OutPort)),
		)
	}

	return errors.Join(errs...)
}
