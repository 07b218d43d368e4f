package membership

import (
	"time"

	"github.com/mihaimyh/gomembership/pkg/billing"
)

// Config wires the shared dependencies of the synchronizers and the usage
// reporter. Storage is always required; Provider is required by every
// component that talks to the billing backend.
type Config struct {
	// Storage is the record store adapter (required).
	Storage Storage

	// Provider is the billing backend (required by MembershipSyncer and
	// UsageReporter).
	Provider billing.Provider

	// Logger is an optional structured logger. If nil, logging is a no-op.
	Logger Logger

	// Metrics is an optional metrics collector. If nil, metrics are
	// silently ignored.
	Metrics Metrics

	// Now overrides the time source. Defaults to time.Now; tests inject a
	// fixed clock here.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}
