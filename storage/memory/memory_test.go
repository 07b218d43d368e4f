package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/storage/memory"
)

func TestEntitlementRoundTrip(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	desc := "all features"
	ent := &membership.Entitlement{
		EntitlementID:   "prod_1",
		Name:            "Pro",
		Description:     &desc,
		Active:          true,
		LinkedProductID: "prod_1",
		LinkedPrices:    []membership.PriceLink{{PriceID: "price_1", Active: true}},
	}
	if err := store.PutEntitlement(ctx, ent); err != nil {
		t.Fatalf("PutEntitlement failed: %v", err)
	}

	got, err := store.GetEntitlement(ctx, "prod_1")
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}
	if got.Name != "Pro" || !got.Active || len(got.LinkedPrices) != 1 {
		t.Errorf("Unexpected entitlement: %+v", got)
	}

	if _, err := store.GetEntitlement(ctx, "prod_missing"); !errors.Is(err, membership.ErrEntitlementNotFound) {
		t.Errorf("Expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestGetEntitlement_ReturnsCopy(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if err := store.PutEntitlement(ctx, &membership.Entitlement{
		EntitlementID: "prod_1",
		Name:          "Pro",
		LinkedPrices:  []membership.PriceLink{{PriceID: "price_1"}},
	}); err != nil {
		t.Fatalf("PutEntitlement failed: %v", err)
	}

	got, _ := store.GetEntitlement(ctx, "prod_1")
	got.Name = "Mutated"
	got.LinkedPrices[0].PriceID = "mutated"

	fresh, _ := store.GetEntitlement(ctx, "prod_1")
	if fresh.Name != "Pro" || fresh.LinkedPrices[0].PriceID != "price_1" {
		t.Errorf("Caller mutation leaked into store: %+v", fresh)
	}
}

func TestPatchEntitlement_PartialUpdate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	desc := "keep me"
	if err := store.PutEntitlement(ctx, &membership.Entitlement{
		EntitlementID: "prod_1",
		Name:          "Old",
		Description:   &desc,
		Active:        true,
	}); err != nil {
		t.Fatalf("PutEntitlement failed: %v", err)
	}

	err := store.PatchEntitlement(ctx, "prod_1", membership.EntitlementPatch{
		Name: membership.Set("New"),
	})
	if err != nil {
		t.Fatalf("PatchEntitlement failed: %v", err)
	}

	got, _ := store.GetEntitlement(ctx, "prod_1")
	if got.Name != "New" {
		t.Errorf("Expected name New, got %s", got.Name)
	}
	if got.Description == nil || *got.Description != desc {
		t.Errorf("Omitted field must be untouched, got %v", got.Description)
	}
	if !got.Active {
		t.Error("Omitted active flag must be untouched")
	}
}

func TestPatchEntitlement_ClearDescription(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	desc := "remove me"
	if err := store.PutEntitlement(ctx, &membership.Entitlement{
		EntitlementID: "prod_1",
		Name:          "Pro",
		Description:   &desc,
	}); err != nil {
		t.Fatalf("PutEntitlement failed: %v", err)
	}

	err := store.PatchEntitlement(ctx, "prod_1", membership.EntitlementPatch{
		Description: membership.Clear[string](),
	})
	if err != nil {
		t.Fatalf("PatchEntitlement failed: %v", err)
	}

	got, _ := store.GetEntitlement(ctx, "prod_1")
	if got.Description != nil {
		t.Errorf("Expected cleared description, got %q", *got.Description)
	}
	if got.Name != "Pro" {
		t.Errorf("Omitted field must be untouched, got %s", got.Name)
	}
}

func TestPatchEntitlement_NotFound(t *testing.T) {
	store := memory.New()

	err := store.PatchEntitlement(context.Background(), "prod_missing", membership.EntitlementPatch{
		Name: membership.Set("x"),
	})
	if !errors.Is(err, membership.ErrEntitlementNotFound) {
		t.Fatalf("Expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestCreateMembership_Conflicts(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	m := &membership.Membership{
		UserID:           "user1",
		Status:           membership.StatusPendingLink,
		LinkedCustomerID: "cus_1",
	}
	if err := store.CreateMembership(ctx, m); err != nil {
		t.Fatalf("CreateMembership failed: %v", err)
	}

	if err := store.CreateMembership(ctx, m); !errors.Is(err, membership.ErrMembershipExists) {
		t.Errorf("Duplicate user: expected ErrMembershipExists, got %v", err)
	}

	// A different user claiming the same customer id must also conflict
	err := store.CreateMembership(ctx, &membership.Membership{
		UserID:           "user2",
		Status:           membership.StatusPendingLink,
		LinkedCustomerID: "cus_1",
	})
	if !errors.Is(err, membership.ErrMembershipExists) {
		t.Errorf("Duplicate customer: expected ErrMembershipExists, got %v", err)
	}
}

func TestGetMembershipByCustomer(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if err := store.CreateMembership(ctx, &membership.Membership{
		UserID:           "user1",
		Status:           membership.StatusPendingLink,
		LinkedCustomerID: "cus_1",
	}); err != nil {
		t.Fatalf("CreateMembership failed: %v", err)
	}

	m, err := store.GetMembershipByCustomer(ctx, "cus_1")
	if err != nil {
		t.Fatalf("GetMembershipByCustomer failed: %v", err)
	}
	if m.UserID != "user1" {
		t.Errorf("Expected user1, got %s", m.UserID)
	}

	if _, err := store.GetMembershipByCustomer(ctx, "cus_ghost"); !errors.Is(err, membership.ErrMembershipNotFound) {
		t.Errorf("Expected ErrMembershipNotFound, got %v", err)
	}
}

func TestPatchMembership_SetAndClear(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	paid := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	subID := "sub_1"
	if err := store.CreateMembership(ctx, &membership.Membership{
		UserID:               "user1",
		Status:               membership.StatusActive,
		LinkedCustomerID:     "cus_1",
		LinkedSubscriptionID: &subID,
		Entitlements: []membership.EntitlementLink{
			membership.SubscriptionLinked("prod_1", "si_1"),
		},
		LastPaymentDate: &paid,
		NextPaymentDate: &paid,
	}); err != nil {
		t.Fatalf("CreateMembership failed: %v", err)
	}

	err := store.PatchMembership(ctx, "user1", membership.MembershipPatch{
		Status:               membership.Set(membership.StatusUnlinked),
		Entitlements:         membership.Set([]membership.EntitlementLink{}),
		LinkedSubscriptionID: membership.Clear[string](),
		NextPaymentDate:      membership.Clear[time.Time](),
	})
	if err != nil {
		t.Fatalf("PatchMembership failed: %v", err)
	}

	m, _ := store.GetMembership(ctx, "user1")
	if m.Status != membership.StatusUnlinked {
		t.Errorf("Expected unlinked, got %s", m.Status)
	}
	if len(m.Entitlements) != 0 {
		t.Errorf("Expected no links, got %d", len(m.Entitlements))
	}
	if m.LinkedSubscriptionID != nil {
		t.Errorf("Expected cleared subscription id, got %v", *m.LinkedSubscriptionID)
	}
	if m.NextPaymentDate != nil {
		t.Error("Expected cleared next payment date")
	}
	// Omitted fields survive
	if m.LastPaymentDate == nil || !m.LastPaymentDate.Equal(paid) {
		t.Errorf("Omitted last payment date must be untouched, got %v", m.LastPaymentDate)
	}
	if m.LinkedCustomerID != "cus_1" {
		t.Errorf("Customer id must be untouched, got %s", m.LinkedCustomerID)
	}
}

func TestPatchMembership_NotFound(t *testing.T) {
	store := memory.New()

	err := store.PatchMembership(context.Background(), "ghost", membership.MembershipPatch{
		Status: membership.Set(membership.StatusActive),
	})
	if !errors.Is(err, membership.ErrMembershipNotFound) {
		t.Fatalf("Expected ErrMembershipNotFound, got %v", err)
	}
}

func TestUsageRecords_OrderLimitAndDuplicates(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := store.PutUsageRecord(ctx, &membership.UsageRecord{
			UserID:        "user1",
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			EntitlementID: "prod_1",
			Quantity:      1,
		})
		if err != nil {
			t.Fatalf("PutUsageRecord %d failed: %v", i, err)
		}
	}

	// Same user and timestamp is a duplicate delivery
	err := store.PutUsageRecord(ctx, &membership.UsageRecord{
		UserID:    "user1",
		Timestamp: base,
		Quantity:  1,
	})
	if !errors.Is(err, membership.ErrUsageRecordExists) {
		t.Errorf("Expected ErrUsageRecordExists, got %v", err)
	}

	records, err := store.ListUsageRecords(ctx, "user1", 3)
	if err != nil {
		t.Fatalf("ListUsageRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if !records[0].Timestamp.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("Expected newest first, got %v", records[0].Timestamp)
	}

	all, _ := store.ListUsageRecords(ctx, "user1", 0)
	if len(all) != 5 {
		t.Errorf("Expected all 5 records without limit, got %d", len(all))
	}

	none, err := store.ListUsageRecords(ctx, "ghost", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("Expected empty list for unknown user, got %v (%v)", none, err)
	}
}
