package billing

import "time"

// EventKind is the discriminated kind of a webhook event.
type EventKind string

const (
	EventProductCreated      EventKind = "product.created"
	EventProductUpdated      EventKind = "product.updated"
	EventPriceCreated        EventKind = "price.created"
	EventPriceUpdated        EventKind = "price.updated"
	EventSubscriptionCreated EventKind = "customer.subscription.created"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
	EventCheckoutCompleted   EventKind = "checkout.session.completed"

	// EventUnknown marks kinds this system does not act on. Unknown events
	// are acknowledged, never failed, so the provider does not redeliver them.
	EventUnknown EventKind = "unknown"
)

// Event is a verified, typed webhook event. Exactly one payload pointer is
// non-nil, matching Kind; all payloads are nil for EventUnknown.
type Event struct {
	// ID is the provider's event id.
	ID string

	// Kind is the discriminated event kind.
	Kind EventKind

	// Type is the provider-native event type string, kept for logging
	// unknown kinds.
	Type string

	// Created is when the provider emitted the event.
	Created time.Time

	// PreviousAttributes names the fields the event actually changed, as
	// reported by the provider. Present on *.updated events only.
	PreviousAttributes map[string]interface{}

	Product      *Product
	Price        *Price
	Subscription *Subscription
	Checkout     *CheckoutSession
}

// Product is a provider product payload.
type Product struct {
	ID          string
	Name        string
	Description *string
	Active      bool
}

// Price is a provider price payload. Type is the provider's recurrence
// discriminator ("recurring" or "one_time").
type Price struct {
	ID        string
	ProductID string
	Active    bool
	Type      string
}

// SubscriptionItem is one line of a provider subscription.
type SubscriptionItem struct {
	ID        string
	PriceID   string
	ProductID string
}

// Subscription is a provider subscription payload. Status is the provider's
// lifecycle status verbatim. Period bounds are zero when the payload does
// not carry them.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	Items              []SubscriptionItem
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}
