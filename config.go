package cadenza

import (
	"log/slog"
	"time"
)

// SelectionPolicy names the executor selection strategy the registry
// uses when several healthy executors match a node.
type SelectionPolicy string

const (
	SelectionRoundRobin SelectionPolicy = "round_robin"
	SelectionRandom     SelectionPolicy = "random"
	SelectionLeastLoad  SelectionPolicy = "least_load"
)

// Config carries engine construction settings. Zero values fall back to
// the defaults below; TokenSecret is generated randomly when absent,
// which is fine for a single process but means tokens do not survive a
// restart.
type Config struct {
	// DataDir is the directory for durable run state. Empty keeps all
	// state in memory.
	DataDir string

	// TokenSecret keys the HMAC over execution tokens and task
	// envelope signatures.
	TokenSecret []byte

	// TokenTTL bounds how long a dispatched task may take to report.
	TokenTTL time.Duration

	// HealthThreshold is the heartbeat staleness cutoff for executors.
	HealthThreshold time.Duration

	// SweepInterval is how often the registry logs stale executors.
	SweepInterval time.Duration

	Selection SelectionPolicy

	// HTTPTimeout bounds one HTTP dispatch round trip.
	HTTPTimeout time.Duration

	// GRPCPriority and HTTPPriority order the transports in the
	// dispatch chain; higher wins. The in-process transport always
	// outranks both.
	GRPCPriority int
	HTTPPriority int

	Logger *slog.Logger
}

func DefaultConfig() *Config {
	return &Config{
		TokenTTL:        10 * time.Minute,
		HealthThreshold: 30 * time.Second,
		SweepInterval:   10 * time.Second,
		Selection:       SelectionRoundRobin,
		HTTPTimeout:     30 * time.Second,
		GRPCPriority:    50,
		HTTPPriority:    10,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	defaults := DefaultConfig()

	if out.TokenTTL == 0 {
		out.TokenTTL = defaults.TokenTTL
	}
	if out.HealthThreshold == 0 {
		out.HealthThreshold = defaults.HealthThreshold
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = defaults.SweepInterval
	}
	if out.Selection == "" {
		out.Selection = defaults.Selection
	}
	if out.HTTPTimeout == 0 {
		out.HTTPTimeout = defaults.HTTPTimeout
	}
	if out.GRPCPriority == 0 {
		out.GRPCPriority = defaults.GRPCPriority
	}
	if out.HTTPPriority == 0 {
		out.HTTPPriority = defaults.HTTPPriority
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}
