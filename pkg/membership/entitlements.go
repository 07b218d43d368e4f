package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gomembership/pkg/billing"
)

// EntitlementSyncer projects provider product and price lifecycle events
// onto local Entitlement records. Events may arrive out of order or more
// than once; every handler tolerates both.
type EntitlementSyncer struct {
	store   Storage
	logger  Logger
	metrics Metrics
}

// NewEntitlementSyncer creates an entitlement synchronizer.
func NewEntitlementSyncer(config Config) (*EntitlementSyncer, error) {
	if config.Storage == nil {
		return nil, errors.New("membership: Storage is required")
	}
	config = config.withDefaults()
	return &EntitlementSyncer{
		store:   config.Storage,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// OnProductCreated inserts the entitlement for a new provider product.
// The write is a full-record upsert, so replaying the same event converges
// on the same state instead of duplicating or corrupting the record.
// Storage failures propagate so the event source redelivers.
func (s *EntitlementSyncer) OnProductCreated(ctx context.Context, product *billing.Product) error {
	startTime := time.Now()

	ent := &Entitlement{
		EntitlementID:   product.ID,
		Name:            product.Name,
		Description:     product.Description,
		Active:          product.Active,
		LinkedProductID: product.ID,
		LinkedPrices:    []PriceLink{},
	}

	if err := s.store.PutEntitlement(ctx, ent); err != nil {
		s.metrics.RecordProjection("entitlement", "product.created", "error")
		return fmt.Errorf("failed to save entitlement %s: %w", product.ID, err)
	}

	s.metrics.RecordProjection("entitlement", "product.created", "applied")
	s.metrics.RecordProjectionDuration("entitlement", "product.created", time.Since(startTime))
	s.logger.Info("entitlement created",
		LogField{Key: "entitlement_id", Value: product.ID},
		LogField{Key: "active", Value: product.Active})
	return nil
}

// OnProductUpdated patches only the fields the event actually changed.
// Name and description are the only projected attributes; each is patched
// only when its key appears in previousAttributes. A missing entitlement is
// an accepted eventual-consistency gap (the creation event may still be in
// flight) and is logged, not failed.
func (s *EntitlementSyncer) OnProductUpdated(
	ctx context.Context, product *billing.Product, previousAttributes map[string]interface{},
) error {
	if len(previousAttributes) == 0 {
		s.metrics.RecordProjection("entitlement", "product.updated", "skipped")
		return nil
	}

	var patch EntitlementPatch
	if _, ok := previousAttributes["name"]; ok {
		patch.Name = Set(product.Name)
	}
	if _, ok := previousAttributes["description"]; ok {
		if product.Description != nil {
			patch.Description = Set(*product.Description)
		} else {
			patch.Description = Clear[string]()
		}
	}

	if patch.IsZero() {
		s.metrics.RecordProjection("entitlement", "product.updated", "skipped")
		return nil
	}

	startTime := time.Now()
	err := s.store.PatchEntitlement(ctx, product.ID, patch)
	if errors.Is(err, ErrEntitlementNotFound) {
		s.metrics.RecordProjection("entitlement", "product.updated", "skipped")
		s.logger.Warn("product updated before entitlement exists, dropping event",
			LogField{Key: "entitlement_id", Value: product.ID})
		return nil
	}
	if err != nil {
		s.metrics.RecordProjection("entitlement", "product.updated", "error")
		return fmt.Errorf("failed to patch entitlement %s: %w", product.ID, err)
	}

	s.metrics.RecordProjection("entitlement", "product.updated", "applied")
	s.metrics.RecordProjectionDuration("entitlement", "product.updated", time.Since(startTime))
	return nil
}

// OnPriceCreated appends a price entry to the owning entitlement.
func (s *EntitlementSyncer) OnPriceCreated(ctx context.Context, price *billing.Price) error {
	return s.projectPrice(ctx, "price.created", price)
}

// OnPriceUpdated replaces the matching price entry on the owning entitlement.
// A price the entitlement never saw is appended; a replay of the same event
// rewrites the entry to the same value.
func (s *EntitlementSyncer) OnPriceUpdated(ctx context.Context, price *billing.Price) error {
	return s.projectPrice(ctx, "price.updated", price)
}

func (s *EntitlementSyncer) projectPrice(ctx context.Context, operation string, price *billing.Price) error {
	startTime := time.Now()

	ent, err := s.store.GetEntitlement(ctx, price.ProductID)
	if errors.Is(err, ErrEntitlementNotFound) {
		s.metrics.RecordProjection("entitlement", operation, "skipped")
		s.logger.Warn("price event before entitlement exists, dropping event",
			LogField{Key: "entitlement_id", Value: price.ProductID},
			LogField{Key: "price_id", Value: price.ID})
		return nil
	}
	if err != nil {
		s.metrics.RecordProjection("entitlement", operation, "error")
		return fmt.Errorf("failed to get entitlement %s: %w", price.ProductID, err)
	}

	entry := PriceLink{PriceID: price.ID, Active: price.Active, Type: PriceType(price.Type)}

	// Rewrite the full list: replace the entry matching the price id, or
	// append when it is new. Entries stay unique by price id either way.
	prices := make([]PriceLink, 0, len(ent.LinkedPrices)+1)
	replaced := false
	for _, existing := range ent.LinkedPrices {
		if existing.PriceID == price.ID {
			prices = append(prices, entry)
			replaced = true
			continue
		}
		prices = append(prices, existing)
	}
	if !replaced {
		prices = append(prices, entry)
	}

	patch := EntitlementPatch{LinkedPrices: Set(prices)}
	if err := s.store.PatchEntitlement(ctx, ent.EntitlementID, patch); err != nil {
		s.metrics.RecordProjection("entitlement", operation, "error")
		return fmt.Errorf("failed to patch entitlement prices %s: %w", ent.EntitlementID, err)
	}

	s.metrics.RecordProjection("entitlement", operation, "applied")
	s.metrics.RecordProjectionDuration("entitlement", operation, time.Since(startTime))
	return nil
}
