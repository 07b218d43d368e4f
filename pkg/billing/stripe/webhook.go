package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gomembership/pkg/billing"
)

// VerifyWebhook validates the Stripe-Signature header over the raw payload
// and parses the event into the typed billing.Event model. Event kinds this
// system does not act on come back as billing.EventUnknown with payloads nil.
func (p *Provider) VerifyWebhook(payload []byte, signatureHeader string) (*billing.Event, error) {
	if signatureHeader == "" {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return nil, billing.ErrInvalidWebhookSignature
	}

	event, err := stripe.ConstructEvent(payload, signatureHeader, string(p.webhookSecret))
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	parsed, err := parseEvent(&event)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return nil, err
	}
	return parsed, nil
}

// providerRef decodes a Stripe expandable reference, which arrives either as
// a bare id string or as an object carrying an id.
type providerRef struct {
	ID string
}

func (r *providerRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		r.ID = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

// Wire structs decoded from event.Data.Raw. The SDK's own structs are not
// used here: period fields have moved between API versions (top level vs.
// per item) and the raw JSON is the only stable source.

type productPayload struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Active      bool    `json:"active"`
}

type pricePayload struct {
	ID      string      `json:"id"`
	Product providerRef `json:"product"`
	Active  bool        `json:"active"`
	Type    string      `json:"type"`
}

type subscriptionItemPayload struct {
	ID                 string `json:"id"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Price              struct {
		ID      string      `json:"id"`
		Product providerRef `json:"product"`
	} `json:"price"`
}

type subscriptionPayload struct {
	ID                 string      `json:"id"`
	Customer           providerRef `json:"customer"`
	Status             string      `json:"status"`
	CurrentPeriodStart int64       `json:"current_period_start"`
	CurrentPeriodEnd   int64       `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
}

type checkoutSessionPayload struct {
	ID       string      `json:"id"`
	Customer providerRef `json:"customer"`
}

func parseEvent(event *stripe.Event) (*billing.Event, error) {
	parsed := &billing.Event{
		ID:                 event.ID,
		Type:               string(event.Type),
		Created:            time.Unix(event.Created, 0).UTC(),
		PreviousAttributes: event.Data.PreviousAttributes,
	}

	switch event.Type {
	case "product.created", "product.updated":
		var product productPayload
		if err := json.Unmarshal(event.Data.Raw, &product); err != nil {
			return nil, fmt.Errorf("%w: product: %v", billing.ErrInvalidWebhookPayload, err)
		}
		parsed.Product = &billing.Product{
			ID:          product.ID,
			Name:        product.Name,
			Description: product.Description,
			Active:      product.Active,
		}
		parsed.Kind = billing.EventProductCreated
		if event.Type == "product.updated" {
			parsed.Kind = billing.EventProductUpdated
		}

	case "price.created", "price.updated":
		var price pricePayload
		if err := json.Unmarshal(event.Data.Raw, &price); err != nil {
			return nil, fmt.Errorf("%w: price: %v", billing.ErrInvalidWebhookPayload, err)
		}
		parsed.Price = &billing.Price{
			ID:        price.ID,
			ProductID: price.Product.ID,
			Active:    price.Active,
			Type:      price.Type,
		}
		parsed.Kind = billing.EventPriceCreated
		if event.Type == "price.updated" {
			parsed.Kind = billing.EventPriceUpdated
		}

	case "customer.subscription.created", "customer.subscription.deleted":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		parsed.Subscription = convertSubscription(&sub)
		parsed.Kind = billing.EventSubscriptionCreated
		if event.Type == "customer.subscription.deleted" {
			parsed.Kind = billing.EventSubscriptionDeleted
		}

	case "checkout.session.completed":
		var session checkoutSessionPayload
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		parsed.Checkout = &billing.CheckoutSession{
			ID:         session.ID,
			CustomerID: session.Customer.ID,
		}
		parsed.Kind = billing.EventCheckoutCompleted

	default:
		parsed.Kind = billing.EventUnknown
	}

	return parsed, nil
}

func convertSubscription(sub *subscriptionPayload) *billing.Subscription {
	out := &billing.Subscription{
		ID:         sub.ID,
		CustomerID: sub.Customer.ID,
		Status:     sub.Status,
	}

	// Period bounds live at the subscription level on older API versions and
	// on the items on current ones.
	periodStart := sub.CurrentPeriodStart
	periodEnd := sub.CurrentPeriodEnd

	for _, item := range sub.Items.Data {
		out.Items = append(out.Items, billing.SubscriptionItem{
			ID:        item.ID,
			PriceID:   item.Price.ID,
			ProductID: item.Price.Product.ID,
		})
		if periodStart == 0 && item.CurrentPeriodStart != 0 {
			periodStart = item.CurrentPeriodStart
		}
		if periodEnd == 0 && item.CurrentPeriodEnd != 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}

	if periodStart != 0 {
		out.CurrentPeriodStart = time.Unix(periodStart, 0).UTC()
	}
	if periodEnd != 0 {
		out.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return out
}

func wrapAPIError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", billing.ErrProviderAPIError, op, err)
}
