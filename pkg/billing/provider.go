package billing

import (
	"context"
	"time"
)

// Provider is the generic interface that any billing backend must implement.
// The synchronizers depend only on this contract, so a provider can be
// swapped or faked without touching the projection logic.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// CreateCustomer creates a provider customer for a user. The user id is
	// attached as provider metadata so the mapping survives on their side too.
	CreateCustomer(ctx context.Context, userID string) (*Customer, error)

	// CreateCheckoutSession creates a hosted checkout session for an
	// existing customer.
	CreateCheckoutSession(ctx context.Context, params *CheckoutParams) (*CheckoutSession, error)

	// CreatePortalSession creates a provider-hosted session letting the
	// customer self-manage their subscription.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error)

	// CheckoutLineItems fetches the line items of a checkout session.
	// Webhook payloads do not carry them inline.
	CheckoutLineItems(ctx context.Context, sessionID string) ([]LineItem, error)

	// RecordUsage forwards one unit of metered consumption for a
	// subscription item and returns the provider's acknowledgement.
	RecordUsage(ctx context.Context, subscriptionItemID string, quantity int64) (*UsageAck, error)

	// VerifyWebhook validates the signature over the raw payload and parses
	// it into a typed Event. Returns ErrInvalidWebhookSignature or
	// ErrInvalidWebhookPayload on failure.
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)
}

// Customer is a provider-side customer record.
type Customer struct {
	ID string
}

// CheckoutItem is one requested line of a checkout session.
type CheckoutItem struct {
	PriceID  string
	Quantity int64
}

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	CustomerID string
	Items      []CheckoutItem
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a provider checkout session, either freshly created or
// carried by a checkout.session.completed event. CustomerID may be empty on
// event payloads for sessions created without a customer.
type CheckoutSession struct {
	ID         string
	URL        string
	CustomerID string
}

// PortalSession is a provider-hosted customer portal session.
type PortalSession struct {
	ID  string
	URL string
}

// LineItem is one purchased line of a checkout session.
type LineItem struct {
	ID        string
	PriceID   string
	ProductID string
	Quantity  int64
}

// UsageAck is the provider's acknowledgement of a metered usage report.
type UsageAck struct {
	RecordID  string
	Timestamp time.Time
}
