package admission

import (
	"sync"

	"github.com/chipp-ai/dispatch/internal/config"
)

// RuntimeLimits holds the gate configuration with a mutable kill switch.
// Everything else is fixed at startup; the kill switch is the one value an
// operator flips while the service runs, so reads take a snapshot to keep
// each admission evaluation consistent.
type RuntimeLimits struct {
	mu  sync.RWMutex
	lim Limits
}

// LimitsFromConfig builds RuntimeLimits from loaded configuration.
func LimitsFromConfig(cfg config.Config) *RuntimeLimits {
	return &RuntimeLimits{
		lim: Limits{
			KillSwitch:        cfg.KillSwitch,
			ConcurrencyLimit:  cfg.ConcurrencyLimit,
			ConcurrencyScope:  cfg.ConcurrencyScope,
			DailySpawnLimit:   cfg.DailySpawnLimit,
			DailyCostLimitUSD: cfg.DailyCostLimitUSD,
		},
	}
}

// NewRuntimeLimits wraps an explicit Limits value (used by tests).
func NewRuntimeLimits(lim Limits) *RuntimeLimits {
	return &RuntimeLimits{lim: lim}
}

// Snapshot returns the current limits.
func (r *RuntimeLimits) Snapshot() Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lim
}

// SetKillSwitch updates the kill switch.
func (r *RuntimeLimits) SetKillSwitch(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lim.KillSwitch = enabled
}
