package membership

import (
	"context"
	"fmt"

	"github.com/mihaimyh/gomembership/pkg/billing"
)

// Dispatcher routes verified webhook events to the synchronizer that owns
// them. It is a pure kind-to-call mapping; all business logic lives in the
// synchronizers.
type Dispatcher struct {
	entitlements *EntitlementSyncer
	memberships  *MembershipSyncer
	logger       Logger
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(entitlements *EntitlementSyncer, memberships *MembershipSyncer, logger Logger) *Dispatcher {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Dispatcher{
		entitlements: entitlements,
		memberships:  memberships,
		logger:       logger,
	}
}

// HandleEvent dispatches one event by kind. Unknown kinds are acknowledged
// with a log line so the provider never redelivers events this system does
// not act on.
func (d *Dispatcher) HandleEvent(ctx context.Context, event *billing.Event) error {
	switch event.Kind {
	case billing.EventProductCreated:
		return d.entitlements.OnProductCreated(ctx, event.Product)
	case billing.EventProductUpdated:
		return d.entitlements.OnProductUpdated(ctx, event.Product, event.PreviousAttributes)
	case billing.EventPriceCreated:
		return d.entitlements.OnPriceCreated(ctx, event.Price)
	case billing.EventPriceUpdated:
		return d.entitlements.OnPriceUpdated(ctx, event.Price)
	case billing.EventSubscriptionCreated:
		return d.memberships.OnSubscriptionCreated(ctx, event.Subscription)
	case billing.EventSubscriptionDeleted:
		return d.memberships.OnSubscriptionDeleted(ctx, event.Subscription)
	case billing.EventCheckoutCompleted:
		return d.memberships.OnCheckoutCompleted(ctx, event.Checkout)
	case billing.EventUnknown:
		d.logger.Debug("no handler for event kind, acknowledging",
			LogField{Key: "event_type", Value: event.Type},
			LogField{Key: "event_id", Value: event.ID})
		return nil
	default:
		return fmt.Errorf("unhandled event kind %q", event.Kind)
	}
}
