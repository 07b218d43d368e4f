package membership

import "time"

// Status is a membership's position in the link lifecycle. Besides the two
// local states below, a linked membership carries the provider's subscription
// status verbatim (e.g. "active", "trialing", "past_due").
type Status string

const (
	// StatusPendingLink marks a membership that has a provider customer but
	// no subscription or completed checkout yet.
	StatusPendingLink Status = "pending_link"

	// StatusUnlinked marks a membership whose subscription link was removed.
	// It may re-link through a new checkout.
	StatusUnlinked Status = "unlinked"

	// StatusActive is the provider status a completed checkout maps to.
	StatusActive Status = "active"
)

// Linked reports whether the membership holds an active external link.
// Only pending_link and unlinked memberships may start a new checkout or
// accept a subscription.
func (s Status) Linked() bool {
	return s != "" && s != StatusPendingLink && s != StatusUnlinked
}

// PriceType distinguishes recurring from one-time provider prices.
type PriceType string

const (
	PriceTypeRecurring PriceType = "recurring"
	PriceTypeOneTime   PriceType = "one_time"
)

// PriceLink is one priced offering attached to an entitlement.
// Entries are unique by PriceID within an entitlement.
type PriceLink struct {
	PriceID string    `json:"priceId"`
	Active  bool      `json:"active"`
	Type    PriceType `json:"type"`
}

// Entitlement is a purchasable capability tied 1:1 to a provider product.
// EntitlementID equals the provider product id.
type Entitlement struct {
	EntitlementID   string      `json:"entitlementId"`
	Name            string      `json:"name"`
	Description     *string     `json:"description,omitempty"`
	Active          bool        `json:"active"`
	LinkedProductID string      `json:"linkedProductId"`
	LinkedPrices    []PriceLink `json:"linkedPrices"`
}

// LinkKind identifies which provider object an entitlement link points at.
type LinkKind string

const (
	LinkKindSubscriptionItem LinkKind = "subscription_item"
	LinkKindCheckoutLineItem LinkKind = "checkout_line_item"
)

// EntitlementLink records that a membership holds an entitlement and which
// provider object it is anchored to. Exactly one anchor exists per link;
// use the constructors rather than building the struct by hand.
type EntitlementLink struct {
	EntitlementID string   `json:"entitlementId"`
	Kind          LinkKind `json:"kind"`
	LinkedID      string   `json:"linkedId"`
}

// SubscriptionLinked builds a link anchored to a subscription item.
func SubscriptionLinked(entitlementID, subscriptionItemID string) EntitlementLink {
	return EntitlementLink{
		EntitlementID: entitlementID,
		Kind:          LinkKindSubscriptionItem,
		LinkedID:      subscriptionItemID,
	}
}

// CheckoutLinked builds a link anchored to a checkout line item
// (one-time purchase path).
func CheckoutLinked(entitlementID, lineItemID string) EntitlementLink {
	return EntitlementLink{
		EntitlementID: entitlementID,
		Kind:          LinkKindCheckoutLineItem,
		LinkedID:      lineItemID,
	}
}

// SubscriptionItemID returns the subscription item anchor, if this link has one.
func (l EntitlementLink) SubscriptionItemID() (string, bool) {
	if l.Kind != LinkKindSubscriptionItem {
		return "", false
	}
	return l.LinkedID, true
}

// CheckoutLineItemID returns the checkout line-item anchor, if this link has one.
func (l EntitlementLink) CheckoutLineItemID() (string, bool) {
	if l.Kind != LinkKindCheckoutLineItem {
		return "", false
	}
	return l.LinkedID, true
}

// Membership is one user's relationship to the billing provider and the set
// of entitlements they currently hold. Entitlements is non-empty only while
// Status denotes an active link.
type Membership struct {
	UserID               string            `json:"userId"`
	Status               Status            `json:"status"`
	Entitlements         []EntitlementLink `json:"entitlements"`
	LinkedCustomerID     string            `json:"linkedCustomerId"`
	LinkedSubscriptionID *string           `json:"linkedSubscriptionId,omitempty"`
	LastPaymentDate      *time.Time        `json:"lastPaymentDate,omitempty"`
	NextPaymentDate      *time.Time        `json:"nextPaymentDate,omitempty"`
}

// Link returns the entitlement link for the given entitlement id.
func (m *Membership) Link(entitlementID string) (EntitlementLink, bool) {
	for _, l := range m.Entitlements {
		if l.EntitlementID == entitlementID {
			return l, true
		}
	}
	return EntitlementLink{}, false
}

// UsageRecord is an immutable audit row for one unit of metered consumption.
// Timestamp is unique per user and orders the audit trail.
type UsageRecord struct {
	UserID                       string     `json:"userId"`
	Timestamp                    time.Time  `json:"timestamp"`
	EntitlementID                string     `json:"entitlementId"`
	Quantity                     int64      `json:"quantity"`
	LinkedProductID              string     `json:"linkedProductId"`
	LinkedSubscriptionItemID     string     `json:"linkedSubscriptionItemId"`
	LinkedProviderUsageRecordID  string     `json:"linkedProviderUsageRecordId,omitempty"`
	LinkedProviderUsageTimestamp *time.Time `json:"linkedProviderUsageTimestamp,omitempty"`
}
