package api

import "time"

// CheckoutItemRequest names one entitlement and the price to purchase it at
type CheckoutItemRequest struct {
	EntitlementID string `json:"entitlement_id"`
	PriceID       string `json:"price_id"`
	Quantity      int64  `json:"quantity,omitempty"`
}

// CheckoutRequest is the body for POST /checkout/initiate
type CheckoutRequest struct {
	UserID     string                `json:"user_id"`
	Items      []CheckoutItemRequest `json:"items"`
	SuccessURL string                `json:"success_url"`
	CancelURL  string                `json:"cancel_url"`
}

// CheckoutResponse carries the provider-hosted checkout page
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// UsageRequest is the body for POST /memberships/{userID}/usage/{entitlementID}
type UsageRequest struct {
	Quantity int64 `json:"quantity"`
}

// UsageResponse echoes the persisted usage record
type UsageResponse struct {
	UserID        string     `json:"user_id"`
	EntitlementID string     `json:"entitlement_id"`
	Quantity      int64      `json:"quantity"`
	Timestamp     time.Time  `json:"timestamp"`
	RecordID      string     `json:"record_id,omitempty"`
	BilledAt      *time.Time `json:"billed_at,omitempty"`
}

// UsageHistoryResponse is the body for GET /memberships/{userID}/usage
type UsageHistoryResponse struct {
	UserID  string          `json:"user_id"`
	Records []UsageResponse `json:"records"`
}

// AuthorizeResponse answers GET /memberships/{userID}/authorize/{entitlementID}
type AuthorizeResponse struct {
	Authorized bool   `json:"authorized"`
	Kind       string `json:"kind,omitempty"`
	LinkedID   string `json:"linked_id,omitempty"`
}

// PortalRequest is the body for POST /memberships/{userID}/customer-portal-session
type PortalRequest struct {
	ReturnURL string `json:"return_url"`
}

// PortalResponse carries the provider-hosted portal page
type PortalResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the standard JSON error body
type ErrorResponse struct {
	Error string `json:"error"`
}
