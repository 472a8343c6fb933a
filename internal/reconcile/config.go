package reconcile

import (
	"time"

	"github.com/smallbiznis/carehub/internal/config"
)

// Config controls the deduction sweep loop.
type Config struct {
	Enabled      bool
	BatchSize    int
	PollInterval time.Duration
	// Grace leaves freshly completed visits to the request that completed
	// them.
	Grace        time.Duration
	RunTimeout   time.Duration
	VisitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		BatchSize:    100,
		PollInterval: time.Minute,
		Grace:        2 * time.Minute,
		RunTimeout:   30 * time.Second,
		VisitTimeout: 2 * time.Second,
	}
}

func ConfigFrom(cfg config.Config) Config {
	c := DefaultConfig()
	c.Enabled = cfg.ReconcileEnabled
	c.PollInterval = cfg.ReconcileInterval
	c.Grace = cfg.ReconcileGrace
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.Grace < 0 {
		c.Grace = defaults.Grace
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.VisitTimeout <= 0 {
		c.VisitTimeout = defaults.VisitTimeout
	}
	return c
}
