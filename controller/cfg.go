package controller

import (
	"errors"
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/fabricd/common/go/logging"
	"github.com/yanet-platform/fabricd/controller/internal/flow"
	"github.com/yanet-platform/fabricd/controller/internal/monitor"
	"github.com/yanet-platform/fabricd/controller/internal/openflow"
	"github.com/yanet-platform/fabricd/controller/internal/trigger"
)

// Config represents the main configuration structure for the controller.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Controller is the switch-facing and admin endpoints configuration.
	Controller ControllerConfig `yaml:"controller"`
	// Fabric describes the fabric size.
	Fabric FabricConfig `yaml:"fabric"`
	// Monitor is the traffic polling configuration.
	Monitor monitor.Config `yaml:"monitor"`
	// Trigger is the congestion trigger configuration.
	Trigger trigger.Config `yaml:"trigger"`
}

// ControllerConfig contains settings for the controller endpoints.
type ControllerConfig struct {
	openflow.Config `yaml:",inline"`
	// AdminEndpoint is the gRPC health endpoint. Empty disables it.
	AdminEndpoint string `yaml:"admin_endpoint"`
	// AllowedDatapaths are glob patterns matched against the 16 hex digit
	// datapath ID. Switches matching none of them are disconnected.
	AllowedDatapaths []string `yaml:"allowed_datapaths"`
}

// FabricConfig describes the fabric size.
type FabricConfig struct {
	// Width is the number of hosts attached to each edge switch.
	Width int `yaml:"width"`
	// EdgeDomains is the number of server-side edge domains.
	EdgeDomains int `yaml:"edge_domains"`
}

// Params returns the rule compiler parameters.
func (m FabricConfig) Params() flow.Params {
	return flow.Params{
		Width:       m.Width,
		EdgeDomains: m.EdgeDomains,
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Controller: ControllerConfig{
			Config:           openflow.DefaultConfig(),
			AdminEndpoint:    "[::1]:50071",
			AllowedDatapaths: []string{"*"},
		},
		Fabric: FabricConfig{
			Width:       6,
			EdgeDomains: 1,
		},
		Monitor: monitor.DefaultConfig(),
		Trigger: trigger.DefaultConfig(),
	}
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (m *Config) Validate() error {
	var errs []error

	if m.Controller.Endpoint == "" {
		errs = append(errs, errors.New("controller endpoint is required"))
	}
	if len(m.Controller.AllowedDatapaths) == 0 {
		errs = append(errs, errors.New("at least one allowed datapath pattern is required"))
	}
	if _, err := compilePatterns(m.Controller.AllowedDatapaths); err != nil {
		errs = append(errs, err)
	}
	if err := m.Fabric.Params().Validate(); err != nil {
		errs = append(errs, err)
	}
	if m.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor interval must be positive, got %s", m.Monitor.Interval))
	}
	if m.Trigger.Threshold == 0 {
		errs = append(errs, errors.New("trigger threshold must be positive"))
	}

	return errors.Join(errs...)
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid datapath pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}
