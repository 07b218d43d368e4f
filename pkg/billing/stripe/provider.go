// Package stripe implements the billing.Provider contract on top of the
// official Stripe SDK (v83 client API).
package stripe

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gomembership/pkg/billing"
)

const (
	providerName          = "stripe"
	defaultMeterEventName = "metered_usage"
	metadataUserIDKey     = "user_id"
)

// Config holds Stripe provider configuration.
type Config struct {
	// APIKey is the Stripe secret key for outbound calls.
	APIKey string

	// WebhookSecret is the endpoint signing secret (whsec_...) used to
	// verify inbound webhook payloads.
	WebhookSecret string

	// MeterEventName is the billing meter event name usage reports are
	// recorded under. Defaults to "metered_usage".
	MeterEventName string

	// Metrics is an optional metrics collector. If nil, metrics are
	// silently ignored.
	Metrics billing.Metrics
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	client         *stripe.Client
	webhookSecret  []byte
	meterEventName string
	metrics        billing.Metrics
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	meterEventName := strings.TrimSpace(config.MeterEventName)
	if meterEventName == "" {
		meterEventName = defaultMeterEventName
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		client:         stripe.NewClient(apiKey),
		webhookSecret:  []byte(strings.TrimSpace(config.WebhookSecret)),
		meterEventName: meterEventName,
		metrics:        metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// CreateCustomer creates a Stripe customer tagged with the user id.
func (p *Provider) CreateCustomer(ctx context.Context, userID string) (*billing.Customer, error) {
	startTime := time.Now()

	params := &stripe.CustomerCreateParams{}
	params.AddMetadata(metadataUserIDKey, userID)

	cust, err := p.client.V1Customers.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/customers", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers", "error")
		return nil, wrapAPIError("create customer", err)
	}

	p.metrics.RecordAPICall(providerName, "/customers", "success")
	return &billing.Customer{ID: cust.ID}, nil
}

// CreateCheckoutSession creates a subscription-mode checkout session for an
// existing customer.
func (p *Provider) CreateCheckoutSession(
	ctx context.Context, checkout *billing.CheckoutParams,
) (*billing.CheckoutSession, error) {
	startTime := time.Now()

	lineItems := make([]*stripe.CheckoutSessionCreateLineItemParams, 0, len(checkout.Items))
	for _, item := range checkout.Items {
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionCreateLineItemParams{
			Price:    stripe.String(item.PriceID),
			Quantity: stripe.Int64(quantity),
		})
	}

	params := &stripe.CheckoutSessionCreateParams{
		Customer:   stripe.String(checkout.CustomerID),
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems:  lineItems,
		SuccessURL: stripe.String(checkout.SuccessURL),
		CancelURL:  stripe.String(checkout.CancelURL),
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return nil, wrapAPIError("create checkout session", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	return &billing.CheckoutSession{
		ID:         session.ID,
		URL:        session.URL,
		CustomerID: checkout.CustomerID,
	}, nil
}

// CreatePortalSession creates a Stripe customer portal session.
func (p *Provider) CreatePortalSession(
	ctx context.Context, customerID, returnURL string,
) (*billing.PortalSession, error) {
	startTime := time.Now()

	params := &stripe.BillingPortalSessionCreateParams{
		Customer: stripe.String(customerID),
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}

	session, err := p.client.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return nil, wrapAPIError("create portal session", err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	return &billing.PortalSession{ID: session.ID, URL: session.URL}, nil
}

// CheckoutLineItems fetches the line items of a checkout session with the
// owning product expanded.
func (p *Provider) CheckoutLineItems(ctx context.Context, sessionID string) ([]billing.LineItem, error) {
	startTime := time.Now()

	params := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	params.AddExpand("data.price.product")

	var items []billing.LineItem
	for li, err := range p.client.V1CheckoutSessions.ListLineItems(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/checkout/sessions/line_items", "error")
			p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions/line_items", time.Since(startTime))
			return nil, wrapAPIError("list checkout line items", err)
		}

		item := billing.LineItem{ID: li.ID, Quantity: li.Quantity}
		if li.Price != nil {
			item.PriceID = li.Price.ID
			if li.Price.Product != nil {
				item.ProductID = li.Price.Product.ID
			}
		}
		items = append(items, item)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions/line_items", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions/line_items", time.Since(startTime))
	return items, nil
}

// RecordUsage reports metered consumption as a billing meter event. The
// classic per-item usage record endpoint no longer exists in current API
// versions; the generated identifier doubles as the provider record id.
func (p *Provider) RecordUsage(
	ctx context.Context, subscriptionItemID string, quantity int64,
) (*billing.UsageAck, error) {
	startTime := time.Now()
	identifier := uuid.NewString()

	params := &stripe.BillingMeterEventCreateParams{
		EventName:  stripe.String(p.meterEventName),
		Identifier: stripe.String(identifier),
		Payload: map[string]string{
			"value":             strconv.FormatInt(quantity, 10),
			"subscription_item": subscriptionItemID,
		},
	}

	event, err := p.client.V1BillingMeterEvents.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing/meter_events", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing/meter_events", "error")
		return nil, wrapAPIError("create meter event", err)
	}

	ack := &billing.UsageAck{RecordID: identifier, Timestamp: time.Now().UTC()}
	if event.Identifier != "" {
		ack.RecordID = event.Identifier
	}
	if event.Timestamp != 0 {
		ack.Timestamp = time.Unix(event.Timestamp, 0).UTC()
	}

	p.metrics.RecordAPICall(providerName, "/billing/meter_events", "success")
	return ack, nil
}
