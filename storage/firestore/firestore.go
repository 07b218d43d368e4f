// Package firestore provides a Firestore implementation of the
// membership.Storage interface. This implementation uses Google Cloud
// Firestore for production-grade membership persistence.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Storage implements membership.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	entitlementsCollection string
	membershipsCollection  string
	usageCollection        string
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitlementsCollection is the Firestore collection for entitlements
	// Default: "billing_entitlements"
	EntitlementsCollection string

	// MembershipsCollection is the Firestore collection for memberships
	// Default: "billing_memberships"
	MembershipsCollection string

	// UsageCollection is the Firestore collection for usage records
	// Default: "billing_usage"
	UsageCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "billing_entitlements"
	}
	if config.MembershipsCollection == "" {
		config.MembershipsCollection = "billing_memberships"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "billing_usage"
	}

	return &Storage{
		client:                 client,
		entitlementsCollection: config.EntitlementsCollection,
		membershipsCollection:  config.MembershipsCollection,
		usageCollection:        config.UsageCollection,
	}, nil
}

// GetEntitlement implements membership.Storage
func (s *Storage) GetEntitlement(ctx context.Context, entitlementID string) (*membership.Entitlement, error) {
	doc := s.client.Collection(s.entitlementsCollection).Doc(entitlementID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if !snap.Exists() {
		return nil, membership.ErrEntitlementNotFound
	}

	return decodeEntitlement(entitlementID, snap.Data()), nil
}

// PutEntitlement implements membership.Storage
func (s *Storage) PutEntitlement(ctx context.Context, ent *membership.Entitlement) error {
	if ent == nil || ent.EntitlementID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	doc := s.client.Collection(s.entitlementsCollection).Doc(ent.EntitlementID)

	data := map[string]interface{}{
		"name":            ent.Name,
		"active":          ent.Active,
		"linkedProductId": ent.LinkedProductID,
		"linkedPrices":    encodePrices(ent.LinkedPrices),
		"updatedAt":       time.Now().UTC(),
	}
	if ent.Description != nil {
		data["description"] = *ent.Description
	}

	// Full overwrite, not a merge: replaying a creation event converges on
	// the event's state.
	if _, err := doc.Set(ctx, data); err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// PatchEntitlement implements membership.Storage
func (s *Storage) PatchEntitlement(
	ctx context.Context, entitlementID string, patch membership.EntitlementPatch,
) error {
	updates := make([]firestore.Update, 0, 4)
	if v, ok := patch.Name.Value(); ok {
		updates = append(updates, firestore.Update{Path: "name", Value: v})
	}
	if v, ok := patch.Description.Value(); ok {
		updates = append(updates, firestore.Update{Path: "description", Value: v})
	} else if patch.Description.IsClear() {
		updates = append(updates, firestore.Update{Path: "description", Value: firestore.Delete})
	}
	if v, ok := patch.Active.Value(); ok {
		updates = append(updates, firestore.Update{Path: "active", Value: v})
	}
	if v, ok := patch.LinkedPrices.Value(); ok {
		updates = append(updates, firestore.Update{Path: "linkedPrices", Value: encodePrices(v)})
	} else if patch.LinkedPrices.IsClear() {
		updates = append(updates, firestore.Update{Path: "linkedPrices", Value: firestore.Delete})
	}
	if len(updates) == 0 {
		return nil
	}
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: time.Now().UTC()})

	doc := s.client.Collection(s.entitlementsCollection).Doc(entitlementID)
	if _, err := doc.Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return membership.ErrEntitlementNotFound
		}
		return fmt.Errorf("failed to patch entitlement: %w", err)
	}
	return nil
}

// GetMembership implements membership.Storage
func (s *Storage) GetMembership(ctx context.Context, userID string) (*membership.Membership, error) {
	doc := s.client.Collection(s.membershipsCollection).Doc(userID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, membership.ErrMembershipNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	if !snap.Exists() {
		return nil, membership.ErrMembershipNotFound
	}

	return decodeMembership(userID, snap.Data()), nil
}

// CreateMembership implements membership.Storage. Create fails on an
// existing document, which is the conditional-put primitive the creation
// race depends on.
func (s *Storage) CreateMembership(ctx context.Context, m *membership.Membership) error {
	if m == nil || m.UserID == "" {
		return fmt.Errorf("invalid membership")
	}

	doc := s.client.Collection(s.membershipsCollection).Doc(m.UserID)

	data := map[string]interface{}{
		"status":           string(m.Status),
		"entitlements":     encodeLinks(m.Entitlements),
		"linkedCustomerId": m.LinkedCustomerID,
		"updatedAt":        time.Now().UTC(),
	}
	if m.LinkedSubscriptionID != nil {
		data["linkedSubscriptionId"] = *m.LinkedSubscriptionID
	}
	if m.LastPaymentDate != nil {
		data["lastPaymentDate"] = *m.LastPaymentDate
	}
	if m.NextPaymentDate != nil {
		data["nextPaymentDate"] = *m.NextPaymentDate
	}

	if _, err := doc.Create(ctx, data); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return membership.ErrMembershipExists
		}
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

// PatchMembership implements membership.Storage
func (s *Storage) PatchMembership(
	ctx context.Context, userID string, patch membership.MembershipPatch,
) error {
	updates := make([]firestore.Update, 0, 5)
	if v, ok := patch.Status.Value(); ok {
		updates = append(updates, firestore.Update{Path: "status", Value: string(v)})
	}
	if v, ok := patch.Entitlements.Value(); ok {
		updates = append(updates, firestore.Update{Path: "entitlements", Value: encodeLinks(v)})
	} else if patch.Entitlements.IsClear() {
		updates = append(updates, firestore.Update{Path: "entitlements", Value: firestore.Delete})
	}
	if v, ok := patch.LinkedSubscriptionID.Value(); ok {
		updates = append(updates, firestore.Update{Path: "linkedSubscriptionId", Value: v})
	} else if patch.LinkedSubscriptionID.IsClear() {
		updates = append(updates, firestore.Update{Path: "linkedSubscriptionId", Value: firestore.Delete})
	}
	if v, ok := patch.LastPaymentDate.Value(); ok {
		updates = append(updates, firestore.Update{Path: "lastPaymentDate", Value: v})
	} else if patch.LastPaymentDate.IsClear() {
		updates = append(updates, firestore.Update{Path: "lastPaymentDate", Value: firestore.Delete})
	}
	if v, ok := patch.NextPaymentDate.Value(); ok {
		updates = append(updates, firestore.Update{Path: "nextPaymentDate", Value: v})
	} else if patch.NextPaymentDate.IsClear() {
		updates = append(updates, firestore.Update{Path: "nextPaymentDate", Value: firestore.Delete})
	}
	if len(updates) == 0 {
		return nil
	}
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: time.Now().UTC()})

	doc := s.client.Collection(s.membershipsCollection).Doc(userID)
	if _, err := doc.Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return membership.ErrMembershipNotFound
		}
		return fmt.Errorf("failed to patch membership: %w", err)
	}
	return nil
}

// GetMembershipByCustomer implements membership.Storage
func (s *Storage) GetMembershipByCustomer(
	ctx context.Context, customerID string,
) (*membership.Membership, error) {
	query := s.client.Collection(s.membershipsCollection).
		Where("linkedCustomerId", "==", customerID).
		Limit(1)
	iter := query.Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, membership.ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query membership by customer: %w", err)
	}

	return decodeMembership(snap.Ref.ID, snap.Data()), nil
}

// PutUsageRecord implements membership.Storage. The document id is derived
// from the user and timestamp, so Create rejects a replayed record.
func (s *Storage) PutUsageRecord(ctx context.Context, rec *membership.UsageRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid usage record")
	}

	doc := s.usageDoc(rec.UserID, rec.Timestamp)
	data := map[string]interface{}{
		"userId":                   rec.UserID,
		"timestamp":                rec.Timestamp,
		"entitlementId":            rec.EntitlementID,
		"quantity":                 rec.Quantity,
		"linkedProductId":          rec.LinkedProductID,
		"linkedSubscriptionItemId": rec.LinkedSubscriptionItemID,
	}
	if rec.LinkedProviderUsageRecordID != "" {
		data["linkedProviderUsageRecordId"] = rec.LinkedProviderUsageRecordID
	}
	if rec.LinkedProviderUsageTimestamp != nil {
		data["linkedProviderUsageTimestamp"] = *rec.LinkedProviderUsageTimestamp
	}

	if _, err := doc.Create(ctx, data); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return membership.ErrUsageRecordExists
		}
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	return nil
}

// ListUsageRecords implements membership.Storage
func (s *Storage) ListUsageRecords(
	ctx context.Context, userID string, limit int,
) ([]*membership.UsageRecord, error) {
	query := s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("records").
		OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var records []*membership.UsageRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list usage records: %w", err)
		}
		records = append(records, decodeUsageRecord(snap.Data()))
	}
	return records, nil
}

// usageDoc returns the Firestore document reference for one usage record.
// Structure: billing_usage/{userID}/records/{unixNano}
func (s *Storage) usageDoc(userID string, ts time.Time) *firestore.DocumentRef {
	return s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("records").
		Doc(fmt.Sprintf("%d", ts.UnixNano()))
}

func encodePrices(prices []membership.PriceLink) []interface{} {
	out := make([]interface{}, 0, len(prices))
	for _, p := range prices {
		out = append(out, map[string]interface{}{
			"priceId": p.PriceID,
			"active":  p.Active,
			"type":    string(p.Type),
		})
	}
	return out
}

func encodeLinks(links []membership.EntitlementLink) []interface{} {
	out := make([]interface{}, 0, len(links))
	for _, l := range links {
		out = append(out, map[string]interface{}{
			"entitlementId": l.EntitlementID,
			"kind":          string(l.Kind),
			"linkedId":      l.LinkedID,
		})
	}
	return out
}

func decodeEntitlement(entitlementID string, data map[string]interface{}) *membership.Entitlement {
	ent := &membership.Entitlement{
		EntitlementID:   entitlementID,
		Name:            getString(data, "name"),
		Active:          getBool(data, "active"),
		LinkedProductID: getString(data, "linkedProductId"),
	}
	if desc, ok := data["description"].(string); ok {
		ent.Description = &desc
	}
	if raw, ok := data["linkedPrices"].([]interface{}); ok {
		ent.LinkedPrices = make([]membership.PriceLink, 0, len(raw))
		for _, item := range raw {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ent.LinkedPrices = append(ent.LinkedPrices, membership.PriceLink{
				PriceID: getString(entry, "priceId"),
				Active:  getBool(entry, "active"),
				Type:    membership.PriceType(getString(entry, "type")),
			})
		}
	}
	return ent
}

func decodeMembership(userID string, data map[string]interface{}) *membership.Membership {
	m := &membership.Membership{
		UserID:           userID,
		Status:           membership.Status(getString(data, "status")),
		LinkedCustomerID: getString(data, "linkedCustomerId"),
	}
	if raw, ok := data["entitlements"].([]interface{}); ok {
		m.Entitlements = make([]membership.EntitlementLink, 0, len(raw))
		for _, item := range raw {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			m.Entitlements = append(m.Entitlements, membership.EntitlementLink{
				EntitlementID: getString(entry, "entitlementId"),
				Kind:          membership.LinkKind(getString(entry, "kind")),
				LinkedID:      getString(entry, "linkedId"),
			})
		}
	}
	if subID, ok := data["linkedSubscriptionId"].(string); ok {
		m.LinkedSubscriptionID = &subID
	}
	if t := getTime(data, "lastPaymentDate"); !t.IsZero() {
		m.LastPaymentDate = &t
	}
	if t := getTime(data, "nextPaymentDate"); !t.IsZero() {
		m.NextPaymentDate = &t
	}
	return m
}

func decodeUsageRecord(data map[string]interface{}) *membership.UsageRecord {
	rec := &membership.UsageRecord{
		UserID:                      getString(data, "userId"),
		Timestamp:                   getTime(data, "timestamp"),
		EntitlementID:               getString(data, "entitlementId"),
		Quantity:                    getInt64(data, "quantity"),
		LinkedProductID:             getString(data, "linkedProductId"),
		LinkedSubscriptionItemID:    getString(data, "linkedSubscriptionItemId"),
		LinkedProviderUsageRecordID: getString(data, "linkedProviderUsageRecordId"),
	}
	if t := getTime(data, "linkedProviderUsageTimestamp"); !t.IsZero() {
		rec.LinkedProviderUsageTimestamp = &t
	}
	return rec
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
