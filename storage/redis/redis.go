// Package redis provides a Redis implementation of the membership.Storage
// interface. Records are stored as hashes with JSON-encoded field values;
// conditional creation and partial patches run as Lua scripts so concurrent
// writers cannot interleave.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Storage implements membership.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gomembership:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gomembership:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gomembership:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Patch an existing hash. ARGV is a flat list of (op, field, value)
	// triples where op is "set" or "del".
	s.scripts["patch"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return 'not_found'
		end

		for i = 1, #ARGV, 3 do
			local op = ARGV[i]
			local field = ARGV[i + 1]
			if op == 'set' then
				redis.call('HSET', key, field, ARGV[i + 2])
			elseif op == 'del' then
				redis.call('HDEL', key, field)
			end
		end

		return 'ok'
	`)

	// Create a membership hash and its customer index entry only when
	// neither exists yet.
	s.scripts["createMembership"] = redis.NewScript(`
		local membershipKey = KEYS[1]
		local customerKey = KEYS[2]
		local userId = ARGV[1]

		if redis.call('EXISTS', membershipKey) == 1 then
			return 'exists'
		end
		if customerKey ~= '' and redis.call('EXISTS', customerKey) == 1 then
			return 'exists'
		end

		for i = 2, #ARGV, 2 do
			redis.call('HSET', membershipKey, ARGV[i], ARGV[i + 1])
		end
		if customerKey ~= '' then
			redis.call('SET', customerKey, userId)
		end

		return 'ok'
	`)

	// Append a usage record to the user's sorted set unless one already
	// holds the same timestamp score.
	s.scripts["putUsage"] = redis.NewScript(`
		local key = KEYS[1]
		local score = ARGV[1]
		local record = ARGV[2]

		if redis.call('ZCOUNT', key, score, score) > 0 then
			return 'exists'
		end

		redis.call('ZADD', key, score, record)
		return 'ok'
	`)
}

// GetEntitlement implements membership.Storage
func (s *Storage) GetEntitlement(ctx context.Context, entitlementID string) (*membership.Entitlement, error) {
	data, err := s.client.HGetAll(ctx, s.entitlementKey(entitlementID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if len(data) == 0 {
		return nil, membership.ErrEntitlementNotFound
	}

	ent := &membership.Entitlement{EntitlementID: entitlementID}
	if err := decodeField(data, "name", &ent.Name); err != nil {
		return nil, err
	}
	if raw, ok := data["description"]; ok {
		var desc string
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			return nil, fmt.Errorf("failed to decode field description: %w", err)
		}
		ent.Description = &desc
	}
	if err := decodeField(data, "active", &ent.Active); err != nil {
		return nil, err
	}
	if err := decodeField(data, "linkedProductId", &ent.LinkedProductID); err != nil {
		return nil, err
	}
	if raw, ok := data["linkedPrices"]; ok {
		if err := json.Unmarshal([]byte(raw), &ent.LinkedPrices); err != nil {
			return nil, fmt.Errorf("failed to decode field linkedPrices: %w", err)
		}
	}
	return ent, nil
}

// PutEntitlement implements membership.Storage
func (s *Storage) PutEntitlement(ctx context.Context, ent *membership.Entitlement) error {
	if ent == nil || ent.EntitlementID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	fields := map[string]interface{}{
		"name":            mustEncode(ent.Name),
		"active":          mustEncode(ent.Active),
		"linkedProductId": mustEncode(ent.LinkedProductID),
		"linkedPrices":    mustEncode(ent.LinkedPrices),
	}
	if ent.Description != nil {
		fields["description"] = mustEncode(*ent.Description)
	}

	key := s.entitlementKey(ent.EntitlementID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// PatchEntitlement implements membership.Storage
func (s *Storage) PatchEntitlement(
	ctx context.Context, entitlementID string, patch membership.EntitlementPatch,
) error {
	var ops []interface{}
	if v, ok := patch.Name.Value(); ok {
		ops = append(ops, "set", "name", mustEncode(v))
	}
	if v, ok := patch.Description.Value(); ok {
		ops = append(ops, "set", "description", mustEncode(v))
	} else if patch.Description.IsClear() {
		ops = append(ops, "del", "description", "")
	}
	if v, ok := patch.Active.Value(); ok {
		ops = append(ops, "set", "active", mustEncode(v))
	}
	if v, ok := patch.LinkedPrices.Value(); ok {
		ops = append(ops, "set", "linkedPrices", mustEncode(v))
	} else if patch.LinkedPrices.IsClear() {
		ops = append(ops, "del", "linkedPrices", "")
	}
	if len(ops) == 0 {
		return nil
	}

	result, err := s.scripts["patch"].Run(ctx, s.client,
		[]string{s.entitlementKey(entitlementID)}, ops...).Text()
	if err != nil {
		return fmt.Errorf("failed to patch entitlement: %w", err)
	}
	if result == "not_found" {
		return membership.ErrEntitlementNotFound
	}
	return nil
}

// GetMembership implements membership.Storage
func (s *Storage) GetMembership(ctx context.Context, userID string) (*membership.Membership, error) {
	data, err := s.client.HGetAll(ctx, s.membershipKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	if len(data) == 0 {
		return nil, membership.ErrMembershipNotFound
	}
	return decodeMembership(userID, data)
}

// CreateMembership implements membership.Storage
func (s *Storage) CreateMembership(ctx context.Context, m *membership.Membership) error {
	if m == nil || m.UserID == "" {
		return fmt.Errorf("invalid membership")
	}

	args := []interface{}{
		m.UserID,
		"status", mustEncode(string(m.Status)),
		"entitlements", mustEncode(m.Entitlements),
		"linkedCustomerId", mustEncode(m.LinkedCustomerID),
	}
	if m.LinkedSubscriptionID != nil {
		args = append(args, "linkedSubscriptionId", mustEncode(*m.LinkedSubscriptionID))
	}
	if m.LastPaymentDate != nil {
		args = append(args, "lastPaymentDate", mustEncode(*m.LastPaymentDate))
	}
	if m.NextPaymentDate != nil {
		args = append(args, "nextPaymentDate", mustEncode(*m.NextPaymentDate))
	}

	customerKey := ""
	if m.LinkedCustomerID != "" {
		customerKey = s.customerKey(m.LinkedCustomerID)
	}

	result, err := s.scripts["createMembership"].Run(ctx, s.client,
		[]string{s.membershipKey(m.UserID), customerKey}, args...).Text()
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}
	if result == "exists" {
		return membership.ErrMembershipExists
	}
	return nil
}

// PatchMembership implements membership.Storage
func (s *Storage) PatchMembership(
	ctx context.Context, userID string, patch membership.MembershipPatch,
) error {
	var ops []interface{}
	if v, ok := patch.Status.Value(); ok {
		ops = append(ops, "set", "status", mustEncode(string(v)))
	}
	if v, ok := patch.Entitlements.Value(); ok {
		ops = append(ops, "set", "entitlements", mustEncode(v))
	} else if patch.Entitlements.IsClear() {
		ops = append(ops, "del", "entitlements", "")
	}
	if v, ok := patch.LinkedSubscriptionID.Value(); ok {
		ops = append(ops, "set", "linkedSubscriptionId", mustEncode(v))
	} else if patch.LinkedSubscriptionID.IsClear() {
		ops = append(ops, "del", "linkedSubscriptionId", "")
	}
	if v, ok := patch.LastPaymentDate.Value(); ok {
		ops = append(ops, "set", "lastPaymentDate", mustEncode(v))
	} else if patch.LastPaymentDate.IsClear() {
		ops = append(ops, "del", "lastPaymentDate", "")
	}
	if v, ok := patch.NextPaymentDate.Value(); ok {
		ops = append(ops, "set", "nextPaymentDate", mustEncode(v))
	} else if patch.NextPaymentDate.IsClear() {
		ops = append(ops, "del", "nextPaymentDate", "")
	}
	if len(ops) == 0 {
		return nil
	}

	result, err := s.scripts["patch"].Run(ctx, s.client,
		[]string{s.membershipKey(userID)}, ops...).Text()
	if err != nil {
		return fmt.Errorf("failed to patch membership: %w", err)
	}
	if result == "not_found" {
		return membership.ErrMembershipNotFound
	}
	return nil
}

// GetMembershipByCustomer implements membership.Storage
func (s *Storage) GetMembershipByCustomer(
	ctx context.Context, customerID string,
) (*membership.Membership, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if err == redis.Nil {
		return nil, membership.ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer index: %w", err)
	}
	return s.GetMembership(ctx, userID)
}

// PutUsageRecord implements membership.Storage
func (s *Storage) PutUsageRecord(ctx context.Context, rec *membership.UsageRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid usage record")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}

	result, err := s.scripts["putUsage"].Run(ctx, s.client,
		[]string{s.usageKey(rec.UserID)},
		fmt.Sprintf("%d", rec.Timestamp.UnixNano()), string(payload)).Text()
	if err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	if result == "exists" {
		return membership.ErrUsageRecordExists
	}
	return nil
}

// ListUsageRecords implements membership.Storage
func (s *Storage) ListUsageRecords(
	ctx context.Context, userID string, limit int,
) ([]*membership.UsageRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := s.client.ZRevRange(ctx, s.usageKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	records := make([]*membership.UsageRecord, 0, len(raw))
	for _, item := range raw {
		var rec membership.UsageRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode usage record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Key builders

func (s *Storage) entitlementKey(entitlementID string) string {
	return fmt.Sprintf("%sentitlement:%s", s.config.KeyPrefix, entitlementID)
}

func (s *Storage) membershipKey(userID string) string {
	return fmt.Sprintf("%smembership:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) usageKey(userID string) string {
	return fmt.Sprintf("%susage:%s", s.config.KeyPrefix, userID)
}

func decodeMembership(userID string, data map[string]string) (*membership.Membership, error) {
	m := &membership.Membership{UserID: userID}
	if err := decodeField(data, "status", &m.Status); err != nil {
		return nil, err
	}
	if raw, ok := data["entitlements"]; ok {
		if err := json.Unmarshal([]byte(raw), &m.Entitlements); err != nil {
			return nil, fmt.Errorf("failed to decode field entitlements: %w", err)
		}
	}
	if err := decodeField(data, "linkedCustomerId", &m.LinkedCustomerID); err != nil {
		return nil, err
	}
	if raw, ok := data["linkedSubscriptionId"]; ok {
		var subID string
		if err := json.Unmarshal([]byte(raw), &subID); err != nil {
			return nil, fmt.Errorf("failed to decode field linkedSubscriptionId: %w", err)
		}
		m.LinkedSubscriptionID = &subID
	}
	if raw, ok := data["lastPaymentDate"]; ok {
		var t time.Time
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to decode field lastPaymentDate: %w", err)
		}
		m.LastPaymentDate = &t
	}
	if raw, ok := data["nextPaymentDate"]; ok {
		var t time.Time
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to decode field nextPaymentDate: %w", err)
		}
		m.NextPaymentDate = &t
	}
	return m, nil
}

func decodeField(data map[string]string, field string, dst interface{}) error {
	raw, ok := data[field]
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to decode field %s: %w", field, err)
	}
	return nil
}

// mustEncode marshals hash field values. The inputs are plain strings,
// bools, times and slices of local types, which cannot fail to marshal.
func mustEncode(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("unencodable field value: %v", err))
	}
	return string(data)
}
