package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

const (
	defaultMaxWebhookBody  = 256 * 1024
	defaultSignatureHeader = "Stripe-Signature"
)

// Config holds configuration for the membership API handler
type Config struct {
	// Dispatcher routes verified webhook events to the synchronizers (required)
	Dispatcher *membership.Dispatcher

	// Memberships serves checkout, portal and authorization calls (required)
	Memberships *membership.MembershipSyncer

	// Usage serves metered usage reporting and history (required)
	Usage *membership.UsageReporter

	// Provider verifies webhook signatures (required)
	Provider billing.Provider

	// Logger is optional; if nil, logging is disabled
	Logger membership.Logger

	// Metrics is optional metrics recorder for webhook handling
	// If nil, metrics are not recorded
	Metrics billing.Metrics

	// MaxWebhookBody caps the webhook payload size in bytes.
	// Defaults to 256 KiB, comfortably above the provider's largest events.
	MaxWebhookBody int64

	// SignatureHeader names the webhook signature header.
	// Defaults to "Stripe-Signature".
	SignatureHeader string

	// OnError handles errors; if nil, a JSON error body is written
	OnError func(http.ResponseWriter, *http.Request, error, int)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Dispatcher == nil {
		return fmt.Errorf("dispatcher is required")
	}
	if c.Memberships == nil {
		return fmt.Errorf("memberships is required")
	}
	if c.Usage == nil {
		return fmt.Errorf("usage is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = &membership.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &billing.NoopMetrics{}
	}
	if c.MaxWebhookBody <= 0 {
		c.MaxWebhookBody = defaultMaxWebhookBody
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = defaultSignatureHeader
	}
	return c
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{config: config.withDefaults()}, nil
}
