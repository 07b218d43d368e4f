package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gomembership/pkg/billing"
)

// MembershipSyncer owns the membership lifecycle: lazy creation at checkout
// time, projection of subscription and checkout events, and the state guards
// that keep a membership linked to at most one subscription or checkout at a
// time. Webhook delivery order is not guaranteed, so every transition
// re-checks the stored state instead of trusting event order.
type MembershipSyncer struct {
	store    Storage
	provider billing.Provider
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewMembershipSyncer creates a membership synchronizer.
func NewMembershipSyncer(config Config) (*MembershipSyncer, error) {
	if config.Storage == nil {
		return nil, errors.New("membership: Storage is required")
	}
	if config.Provider == nil {
		return nil, errors.New("membership: Provider is required")
	}
	config = config.withDefaults()
	return &MembershipSyncer{
		store:    config.Storage,
		provider: config.Provider,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}, nil
}

// GetOrCreateForCheckout returns the user's membership, creating it in
// pending_link with a fresh provider customer when none exists. A membership
// already holding a live link fails with ErrAlreadyLinked so a second
// checkout cannot be started on top of it.
func (s *MembershipSyncer) GetOrCreateForCheckout(ctx context.Context, userID string) (*Membership, error) {
	existing, err := s.store.GetMembership(ctx, userID)
	if err == nil {
		if existing.Status.Linked() {
			return nil, fmt.Errorf("%w: user %s has status %s", ErrAlreadyLinked, userID, existing.Status)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrMembershipNotFound) {
		return nil, fmt.Errorf("failed to get membership %s: %w", userID, err)
	}

	customer, err := s.provider.CreateCustomer(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider customer for %s: %w", userID, err)
	}

	m := &Membership{
		UserID:           userID,
		Status:           StatusPendingLink,
		Entitlements:     []EntitlementLink{},
		LinkedCustomerID: customer.ID,
	}

	err = s.store.CreateMembership(ctx, m)
	if errors.Is(err, ErrMembershipExists) {
		// Lost a creation race. The winner's record stands; our provider
		// customer is orphaned and only flagged for manual cleanup.
		s.logger.Warn("membership creation race lost, provider customer orphaned",
			LogField{Key: "user_id", Value: userID},
			LogField{Key: "customer_id", Value: customer.ID})
		winner, getErr := s.store.GetMembership(ctx, userID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to re-read membership %s: %w", userID, getErr)
		}
		if winner.Status.Linked() {
			return nil, fmt.Errorf("%w: user %s has status %s", ErrAlreadyLinked, userID, winner.Status)
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create membership %s: %w", userID, err)
	}

	s.logger.Info("membership created",
		LogField{Key: "user_id", Value: userID},
		LogField{Key: "customer_id", Value: customer.ID})
	return m, nil
}

// OnSubscriptionCreated links a new subscription to the membership resolved
// by the subscription's customer id. Fails with ErrMembershipNotFound when no
// membership carries the customer, and with ErrAlreadyLinked when the
// membership already holds a link - a subscription can never be silently
// stolen onto a linked user.
func (s *MembershipSyncer) OnSubscriptionCreated(ctx context.Context, sub *billing.Subscription) error {
	startTime := time.Now()

	m, err := s.membershipByCustomer(ctx, sub.CustomerID)
	if err != nil {
		s.metrics.RecordProjection("membership", "subscription.created", "error")
		return err
	}
	if m.Status.Linked() {
		s.metrics.RecordProjection("membership", "subscription.created", "error")
		return fmt.Errorf("%w: user %s has status %s", ErrAlreadyLinked, m.UserID, m.Status)
	}

	links := make([]EntitlementLink, 0, len(sub.Items))
	for _, item := range sub.Items {
		links = append(links, SubscriptionLinked(item.ProductID, item.ID))
	}

	patch := MembershipPatch{
		Status:               Set(Status(sub.Status)),
		Entitlements:         Set(links),
		LinkedSubscriptionID: Set(sub.ID),
	}
	if !sub.CurrentPeriodStart.IsZero() {
		patch.LastPaymentDate = Set(sub.CurrentPeriodStart)
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		patch.NextPaymentDate = Set(sub.CurrentPeriodEnd)
	}

	if err := s.store.PatchMembership(ctx, m.UserID, patch); err != nil {
		s.metrics.RecordProjection("membership", "subscription.created", "error")
		return fmt.Errorf("failed to link subscription %s to %s: %w", sub.ID, m.UserID, err)
	}

	s.metrics.RecordProjection("membership", "subscription.created", "applied")
	s.metrics.RecordProjectionDuration("membership", "subscription.created", time.Since(startTime))
	s.logger.Info("subscription linked",
		LogField{Key: "user_id", Value: m.UserID},
		LogField{Key: "subscription_id", Value: sub.ID},
		LogField{Key: "status", Value: sub.Status})
	return nil
}

// OnSubscriptionDeleted unlinks the membership resolved by customer id.
// The stored subscription id must match the deleted one; a stale or
// duplicate delete for a different subscription fails with
// ErrSubscriptionMismatch instead of unlinking the wrong subscription.
func (s *MembershipSyncer) OnSubscriptionDeleted(ctx context.Context, sub *billing.Subscription) error {
	startTime := time.Now()

	m, err := s.membershipByCustomer(ctx, sub.CustomerID)
	if err != nil {
		s.metrics.RecordProjection("membership", "subscription.deleted", "error")
		return err
	}
	if m.LinkedSubscriptionID == nil || *m.LinkedSubscriptionID != sub.ID {
		s.metrics.RecordProjection("membership", "subscription.deleted", "error")
		return fmt.Errorf("%w: membership %s is not linked to %s", ErrSubscriptionMismatch, m.UserID, sub.ID)
	}

	patch := MembershipPatch{
		Status:               Set(StatusUnlinked),
		Entitlements:         Set([]EntitlementLink{}),
		LinkedSubscriptionID: Clear[string](),
		LastPaymentDate:      Clear[time.Time](),
		NextPaymentDate:      Clear[time.Time](),
	}
	if err := s.store.PatchMembership(ctx, m.UserID, patch); err != nil {
		s.metrics.RecordProjection("membership", "subscription.deleted", "error")
		return fmt.Errorf("failed to unlink subscription %s from %s: %w", sub.ID, m.UserID, err)
	}

	s.metrics.RecordProjection("membership", "subscription.deleted", "applied")
	s.metrics.RecordProjectionDuration("membership", "subscription.deleted", time.Since(startTime))
	s.logger.Info("subscription unlinked",
		LogField{Key: "user_id", Value: m.UserID},
		LogField{Key: "subscription_id", Value: sub.ID})
	return nil
}

// OnCheckoutCompleted links a completed one-time-purchase checkout to the
// membership resolved by the session's customer. The session id becomes the
// link anchor since no subscription exists on this path. Every line item must
// resolve to an existing entitlement or the whole event fails - there is no
// partial commit.
func (s *MembershipSyncer) OnCheckoutCompleted(ctx context.Context, session *billing.CheckoutSession) error {
	startTime := time.Now()

	if session.CustomerID == "" {
		s.metrics.RecordProjection("membership", "checkout.completed", "error")
		return fmt.Errorf("%w: checkout session %s", billing.ErrMissingCustomer, session.ID)
	}

	m, err := s.membershipByCustomer(ctx, session.CustomerID)
	if err != nil {
		s.metrics.RecordProjection("membership", "checkout.completed", "error")
		return err
	}
	if m.Status.Linked() {
		s.metrics.RecordProjection("membership", "checkout.completed", "error")
		return fmt.Errorf("%w: user %s has status %s", ErrAlreadyLinked, m.UserID, m.Status)
	}

	items, err := s.provider.CheckoutLineItems(ctx, session.ID)
	if err != nil {
		s.metrics.RecordProjection("membership", "checkout.completed", "error")
		return fmt.Errorf("failed to fetch line items for %s: %w", session.ID, err)
	}

	links := make([]EntitlementLink, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			s.metrics.RecordProjection("membership", "checkout.completed", "error")
			return fmt.Errorf("line item %s of session %s has no product", item.ID, session.ID)
		}
		ent, err := s.store.GetEntitlement(ctx, item.ProductID)
		if err != nil {
			s.metrics.RecordProjection("membership", "checkout.completed", "error")
			return fmt.Errorf("failed to resolve entitlement for line item %s: %w", item.ID, err)
		}
		links = append(links, CheckoutLinked(ent.EntitlementID, item.ID))
	}

	patch := MembershipPatch{
		Status:               Set(StatusActive),
		Entitlements:         Set(links),
		LinkedSubscriptionID: Set(session.ID),
		LastPaymentDate:      Set(s.now()),
		NextPaymentDate:      Clear[time.Time](),
	}
	if err := s.store.PatchMembership(ctx, m.UserID, patch); err != nil {
		s.metrics.RecordProjection("membership", "checkout.completed", "error")
		return fmt.Errorf("failed to link checkout %s to %s: %w", session.ID, m.UserID, err)
	}

	s.metrics.RecordProjection("membership", "checkout.completed", "applied")
	s.metrics.RecordProjectionDuration("membership", "checkout.completed", time.Since(startTime))
	s.logger.Info("checkout linked",
		LogField{Key: "user_id", Value: m.UserID},
		LogField{Key: "session_id", Value: session.ID})
	return nil
}

// CheckoutItemRequest is one requested entitlement in a checkout.
type CheckoutItemRequest struct {
	EntitlementID string
	PriceID       string
	Quantity      int64
}

// CheckoutRequest describes a checkout a user wants to start.
type CheckoutRequest struct {
	UserID     string
	Items      []CheckoutItemRequest
	SuccessURL string
	CancelURL  string
}

// InitiateCheckout resolves the membership and every requested entitlement
// concurrently, then creates a provider checkout session for the stored
// customer id.
func (s *MembershipSyncer) InitiateCheckout(
	ctx context.Context, req *CheckoutRequest,
) (*billing.CheckoutSession, error) {
	if req.UserID == "" || len(req.Items) == 0 {
		return nil, errors.New("membership: checkout needs a user id and at least one item")
	}

	var m *Membership
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		m, err = s.GetOrCreateForCheckout(gctx, req.UserID)
		return err
	})
	for _, item := range req.Items {
		g.Go(func() error {
			if _, err := s.store.GetEntitlement(gctx, item.EntitlementID); err != nil {
				return fmt.Errorf("failed to resolve entitlement %s: %w", item.EntitlementID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	params := &billing.CheckoutParams{
		CustomerID: m.LinkedCustomerID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	}
	for _, item := range req.Items {
		params.Items = append(params.Items, billing.CheckoutItem{
			PriceID:  item.PriceID,
			Quantity: item.Quantity,
		})
	}

	session, err := s.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session for %s: %w", req.UserID, err)
	}
	return session, nil
}

// CreatePortalSession requests a provider portal session for the user's
// stored customer id.
func (s *MembershipSyncer) CreatePortalSession(
	ctx context.Context, userID, returnURL string,
) (*billing.PortalSession, error) {
	m, err := s.store.GetMembership(ctx, userID)
	if errors.Is(err, ErrMembershipNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrMembershipNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership %s: %w", userID, err)
	}

	session, err := s.provider.CreatePortalSession(ctx, m.LinkedCustomerID, returnURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create portal session for %s: %w", userID, err)
	}
	return session, nil
}

// Authorize checks whether the user currently holds the entitlement and
// returns the link when they do. Either link kind grants access; metered
// reporting separately requires a subscription anchor.
func (s *MembershipSyncer) Authorize(
	ctx context.Context, userID, entitlementID string,
) (EntitlementLink, error) {
	m, err := s.store.GetMembership(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrMembershipNotFound) {
			return EntitlementLink{}, fmt.Errorf("%w: user %s", ErrMembershipNotFound, userID)
		}
		return EntitlementLink{}, fmt.Errorf("failed to get membership %s: %w", userID, err)
	}

	link, ok := m.Link(entitlementID)
	if !ok {
		return EntitlementLink{}, fmt.Errorf("%w: user %s, entitlement %s", ErrNotEntitled, userID, entitlementID)
	}
	return link, nil
}

func (s *MembershipSyncer) membershipByCustomer(ctx context.Context, customerID string) (*Membership, error) {
	if customerID == "" {
		return nil, billing.ErrMissingCustomer
	}
	m, err := s.store.GetMembershipByCustomer(ctx, customerID)
	if errors.Is(err, ErrMembershipNotFound) {
		return nil, fmt.Errorf("%w: customer %s", ErrMembershipNotFound, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve membership for customer %s: %w", customerID, err)
	}
	return m, nil
}
