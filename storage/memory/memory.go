// Package memory provides an in-memory implementation of the
// membership.Storage interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Storage implements membership.Storage using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	entitlements map[string]*membership.Entitlement
	memberships  map[string]*membership.Membership
	byCustomer   map[string]string // customer id -> user id
	usage        map[string][]*membership.UsageRecord
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		entitlements: make(map[string]*membership.Entitlement),
		memberships:  make(map[string]*membership.Membership),
		byCustomer:   make(map[string]string),
		usage:        make(map[string][]*membership.UsageRecord),
	}
}

// GetEntitlement implements membership.Storage
func (s *Storage) GetEntitlement(ctx context.Context, entitlementID string) (*membership.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[entitlementID]
	if !ok {
		return nil, membership.ErrEntitlementNotFound
	}
	return copyEntitlement(ent), nil
}

// PutEntitlement implements membership.Storage
func (s *Storage) PutEntitlement(ctx context.Context, ent *membership.Entitlement) error {
	if ent == nil || ent.EntitlementID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entitlements[ent.EntitlementID] = copyEntitlement(ent)
	return nil
}

// PatchEntitlement implements membership.Storage
func (s *Storage) PatchEntitlement(
	ctx context.Context, entitlementID string, patch membership.EntitlementPatch,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[entitlementID]
	if !ok {
		return membership.ErrEntitlementNotFound
	}

	if v, ok := patch.Name.Value(); ok {
		ent.Name = v
	}
	if v, ok := patch.Description.Value(); ok {
		ent.Description = &v
	} else if patch.Description.IsClear() {
		ent.Description = nil
	}
	if v, ok := patch.Active.Value(); ok {
		ent.Active = v
	}
	if v, ok := patch.LinkedPrices.Value(); ok {
		ent.LinkedPrices = append([]membership.PriceLink(nil), v...)
	} else if patch.LinkedPrices.IsClear() {
		ent.LinkedPrices = nil
	}
	return nil
}

// GetMembership implements membership.Storage
func (s *Storage) GetMembership(ctx context.Context, userID string) (*membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memberships[userID]
	if !ok {
		return nil, membership.ErrMembershipNotFound
	}
	return copyMembership(m), nil
}

// CreateMembership implements membership.Storage. The existence check and
// the write happen under one lock, mirroring the conditional-put semantics
// production backends provide.
func (s *Storage) CreateMembership(ctx context.Context, m *membership.Membership) error {
	if m == nil || m.UserID == "" {
		return fmt.Errorf("invalid membership")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.memberships[m.UserID]; exists {
		return membership.ErrMembershipExists
	}
	if m.LinkedCustomerID != "" {
		if _, exists := s.byCustomer[m.LinkedCustomerID]; exists {
			return membership.ErrMembershipExists
		}
		s.byCustomer[m.LinkedCustomerID] = m.UserID
	}
	s.memberships[m.UserID] = copyMembership(m)
	return nil
}

// PatchMembership implements membership.Storage
func (s *Storage) PatchMembership(
	ctx context.Context, userID string, patch membership.MembershipPatch,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[userID]
	if !ok {
		return membership.ErrMembershipNotFound
	}

	if v, ok := patch.Status.Value(); ok {
		m.Status = v
	}
	if v, ok := patch.Entitlements.Value(); ok {
		m.Entitlements = append([]membership.EntitlementLink(nil), v...)
	} else if patch.Entitlements.IsClear() {
		m.Entitlements = nil
	}
	if v, ok := patch.LinkedSubscriptionID.Value(); ok {
		m.LinkedSubscriptionID = &v
	} else if patch.LinkedSubscriptionID.IsClear() {
		m.LinkedSubscriptionID = nil
	}
	if v, ok := patch.LastPaymentDate.Value(); ok {
		m.LastPaymentDate = &v
	} else if patch.LastPaymentDate.IsClear() {
		m.LastPaymentDate = nil
	}
	if v, ok := patch.NextPaymentDate.Value(); ok {
		m.NextPaymentDate = &v
	} else if patch.NextPaymentDate.IsClear() {
		m.NextPaymentDate = nil
	}
	return nil
}

// GetMembershipByCustomer implements membership.Storage
func (s *Storage) GetMembershipByCustomer(
	ctx context.Context, customerID string,
) (*membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byCustomer[customerID]
	if !ok {
		return nil, membership.ErrMembershipNotFound
	}
	m, ok := s.memberships[userID]
	if !ok {
		return nil, membership.ErrMembershipNotFound
	}
	return copyMembership(m), nil
}

// PutUsageRecord implements membership.Storage
func (s *Storage) PutUsageRecord(ctx context.Context, rec *membership.UsageRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid usage record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.usage[rec.UserID] {
		if existing.Timestamp.Equal(rec.Timestamp) {
			return membership.ErrUsageRecordExists
		}
	}

	recCopy := *rec
	s.usage[rec.UserID] = append(s.usage[rec.UserID], &recCopy)
	return nil
}

// ListUsageRecords implements membership.Storage
func (s *Storage) ListUsageRecords(
	ctx context.Context, userID string, limit int,
) ([]*membership.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.usage[userID]
	out := make([]*membership.UsageRecord, 0, len(records))
	for _, rec := range records {
		recCopy := *rec
		out = append(out, &recCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyEntitlement(ent *membership.Entitlement) *membership.Entitlement {
	entCopy := *ent
	if ent.Description != nil {
		desc := *ent.Description
		entCopy.Description = &desc
	}
	entCopy.LinkedPrices = append([]membership.PriceLink(nil), ent.LinkedPrices...)
	return &entCopy
}

func copyMembership(m *membership.Membership) *membership.Membership {
	mCopy := *m
	mCopy.Entitlements = append([]membership.EntitlementLink(nil), m.Entitlements...)
	if m.LinkedSubscriptionID != nil {
		id := *m.LinkedSubscriptionID
		mCopy.LinkedSubscriptionID = &id
	}
	if m.LastPaymentDate != nil {
		t := *m.LastPaymentDate
		mCopy.LastPaymentDate = &t
	}
	if m.NextPaymentDate != nil {
		t := *m.NextPaymentDate
		mCopy.NextPaymentDate = &t
	}
	return &mCopy
}
