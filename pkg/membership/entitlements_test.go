package membership_test

import (
	"context"
	"testing"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/storage/memory"
)

func newTestEntitlementSyncer(t *testing.T) (*membership.EntitlementSyncer, *memory.Storage) {
	t.Helper()
	store := memory.New()
	syncer, err := membership.NewEntitlementSyncer(membership.Config{Storage: store})
	if err != nil {
		t.Fatalf("NewEntitlementSyncer failed: %v", err)
	}
	return syncer, store
}

func TestOnProductCreated(t *testing.T) {
	syncer, store := newTestEntitlementSyncer(t)
	ctx := context.Background()

	desc := "All the features"
	err := syncer.OnProductCreated(ctx, &billing.Product{
		ID:          "prod_1",
		Name:        "Pro",
		Description: &desc,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("OnProductCreated failed: %v", err)
	}

	ent, err := store.GetEntitlement(ctx, "prod_1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if ent.Name != "Pro" {
		t.Errorf("Expected name Pro, got %s", ent.Name)
	}
	if ent.Description == nil || *ent.Description != desc {
		t.Errorf("Expected description %q, got %v", desc, ent.Description)
	}
	if !ent.Active {
		t.Error("Expected active entitlement")
	}
	if ent.LinkedProductID != "prod_1" {
		t.Errorf("Expected linked product prod_1, got %s", ent.LinkedProductID)
	}
	if len(ent.LinkedPrices) != 0 {
		t.Errorf("Expected empty price list, got %v", ent.LinkedPrices)
	}
}

func TestOnProductCreated_ReplayConverges(t *testing.T) {
	syncer, store := newTestEntitlementSyncer(t)
	ctx := context.Background()

	product := &billing.Product{ID: "prod_1", Name: "Pro", Active: true}
	if err := syncer.OnProductCreated(ctx, product); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}
	if err := syncer.OnProductCreated(ctx, product); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	ent, _ := store.GetEntitlement(ctx, "prod_1")
	if ent.Name != "Pro" || !ent.Active {
		t.Errorf("Replay corrupted record: %+v", ent)
	}
}

func TestOnProductUpdated_OnlyChangedFields(t *testing.T) {
	syncer, store := newTestEntitlementSyncer(t)
	ctx := context.Background()

	desc := "old description"
	if err := syncer.OnProductCreated(ctx, &billing.Product{
		ID: "prod_1", Name: "Old Name", Description: &desc, Active: true,
	}); err != nil {
		t.Fatalf("OnProductCreated failed: %v", err)
	}

	// Only the name changed; the event's description field must be ignored
	err := syncer.OnProductUpdated(ctx, &billing.Product{
		ID: "prod_1", Name: "New Name", Description: nil, Active: true,
	}, map[string]interface{}{"name": "Old Name"})
	if err != nil {
		t.Fatalf("OnProductUpdated failed: %v", err)
	}

	ent, _ := store.GetEntitlement(ctx, "prod_1")
	if ent.Name != "New Name" {
		t.Errorf("Expected name updated, got %s", ent.Name)
	}
	if ent.Description == nil || *ent.Description != desc {
		t.Errorf("Description must be untouched, got %v", ent.Description)
	}
}

func TestOnProductUpdated_DescriptionCleared(t *testing.T) {
	syncer, store := newTestEntitlementSyncer(t)
	ctx := context.Background()

	desc := "to be removed"
	if err := syncer.OnProductCreated(ctx, &billing.Product{
		ID: "prod_1", Name: "Pro", Description: &desc, Active: true,
	}); err != nil {
		t.Fatalf("OnProductCreated failed: %v", err)
	}

	err := syncer.OnProductUpdated(ctx, &billing.Product{
		ID: "prod_1", Name: "Pro", Description: nil, Active: true,
	}, map[string]interface{}{"description": desc})
	if err != nil {
		t.Fatalf("OnProductUpdated failed: %v", err)
	}

	ent, _ := store.GetEntitlement(ctx, "prod_1")
	if ent.Description != nil {
		t.Errorf("Expected description cleared, got %q", *ent.Description)
	}
}

func TestOnProductUpdated_EmptyPreviousAttributesSkipped(t *testing.T) {
	syncer, store := newTestEntitlementSyncer(t)
	ctx := context.Background()

	if err := syncer.OnProductCreated(ctx, &billing.Product{
		ID: "prod_1", Name: "Pro", Active: true,
	}); err != nil {
		t.Fatalf("OnProductCreated failed: %v", err)
	}

	err := syncer.OnProductUpdated(ctx, &billing.Product{
		ID: "prod_1", Name: "Ignored", Active: true,
	}, nil)
	if err != nil {
		t.Fatalf("OnProductUpdated failed: %v", err)
	}

	ent, _ := store.GetEntitlement(ctx, "prod_1")
	if ent.Name != "Pro" {
		t.Errorf("Update without previous attributes must be a no-op, got name %s", ent.Name)
	}
}

func TestOnProductUpdated_MissingEntitlementDropped(t *testing.T) {
	syncer, _ := newTestEntitlementSyncer(t)

	// Update arriving before the creation event is dropped, not failed,
	// so the event source does not redeliver forever.
	err := syncer.OnProductUpdated(context.Background(), &billing.Product{
		ID: "prod_ghost", Name: "Ghost",
	}, map[string]interface{}{"name": "Old"})
	if err != nil {
		t.Fatalf("Expected nil for missing entitlement, got %v", err)
	}
}

func TestOnPriceCreated_Appends(t *testing.T) {
	syncer, store := newTestEntitlementSyncer(t)
	ctx := context.Background()

	if err := syncer.OnProductCreated(ctx, &billing.Product{ID: "prod_1", Name: "Pro", Active: true}); err != nil {
		t.Fatalf("OnProductCreated failed: %v", err)
	}

	err := syncer.OnPriceCreated(ctx, &billing.Price{
		ID: "price_1", ProductID: "prod_1", Active: true, Type: "recurring",
	})
	if err != nil {
		t.Fatalf("OnPriceCreated failed: %v", err)
	}

	ent, _ := store.GetEntitlement(ctx, "prod_1")
	if len(ent.LinkedPrices) != 1 {
		t.Fatalf("Expected 1 price, got %d", len(ent.LinkedPrices))
	}
	price := ent.LinkedPrices[0]
	if price.PriceID != "price_1" || !price.Active || price.Type != membership.PriceTypeRecurring {
		t.Errorf("Unexpected price entry: %+v", price)
	}
}

func TestOnPriceUpdated_ReplacesExisting(t *testing.T) {
	syncer, store := newTestEntitlementSyncer(t)
	ctx := context.Background()

	if err := syncer.OnProductCreated(ctx, &billing.Product{ID: "prod_1", Name: "Pro", Active: true}); err != nil {
		t.Fatalf("OnProductCreated failed: %v", err)
	}
	if err := syncer.OnPriceCreated(ctx, &billing.Price{
		ID: "price_1", ProductID: "prod_1", Active: true, Type: "recurring",
	}); err != nil {
		t.Fatalf("OnPriceCreated failed: %v", err)
	}
	if err := syncer.OnPriceCreated(ctx, &billing.Price{
		ID: "price_2", ProductID: "prod_1", Active: true, Type: "one_time",
	}); err != nil {
		t.Fatalf("OnPriceCreated failed: %v", err)
	}

	// Deactivate the first price
	err := syncer.OnPriceUpdated(ctx, &billing.Price{
		ID: "price_1", ProductID: "prod_1", Active: false, Type: "recurring",
	})
	if err != nil {
		t.Fatalf("OnPriceUpdated failed: %v", err)
	}

	ent, _ := store.GetEntitlement(ctx, "prod_1")
	if len(ent.LinkedPrices) != 2 {
		t.Fatalf("Expected 2 prices, got %d", len(ent.LinkedPrices))
	}
	for _, price := range ent.LinkedPrices {
		switch price.PriceID {
		case "price_1":
			if price.Active {
				t.Error("Expected price_1 deactivated")
			}
		case "price_2":
			if !price.Active {
				t.Error("Expected price_2 still active")
			}
		default:
			t.Errorf("Unexpected price %s", price.PriceID)
		}
	}
}

func TestPriceEvent_BeforeEntitlementDropped(t *testing.T) {
	syncer, _ := newTestEntitlementSyncer(t)

	err := syncer.OnPriceCreated(context.Background(), &billing.Price{
		ID: "price_1", ProductID: "prod_ghost", Active: true, Type: "recurring",
	})
	if err != nil {
		t.Fatalf("Expected nil for missing entitlement, got %v", err)
	}
}
