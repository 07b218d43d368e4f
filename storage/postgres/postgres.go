// Package postgres provides a PostgreSQL implementation of the
// membership.Storage interface. Entitlement price lists and membership link
// lists are stored as JSONB; conditional creation and usage uniqueness lean
// on primary key and unique constraints.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

const uniqueViolation = "23505"

// Schema is the DDL this adapter expects. Run it once (or via EnsureSchema)
// before first use.
const Schema = `
CREATE TABLE IF NOT EXISTS entitlements (
	entitlement_id    TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	description       TEXT,
	active            BOOLEAN NOT NULL DEFAULT FALSE,
	linked_product_id TEXT NOT NULL,
	linked_prices     JSONB NOT NULL DEFAULT '[]',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS memberships (
	user_id                TEXT PRIMARY KEY,
	status                 TEXT NOT NULL,
	entitlements           JSONB NOT NULL DEFAULT '[]',
	linked_customer_id     TEXT NOT NULL UNIQUE,
	linked_subscription_id TEXT,
	last_payment_date      TIMESTAMPTZ,
	next_payment_date      TIMESTAMPTZ,
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_records (
	user_id                     TEXT NOT NULL,
	recorded_at                 TIMESTAMPTZ NOT NULL,
	entitlement_id              TEXT NOT NULL,
	quantity                    BIGINT NOT NULL,
	linked_product_id           TEXT NOT NULL,
	linked_subscription_item_id TEXT NOT NULL,
	provider_record_id          TEXT,
	provider_recorded_at        TIMESTAMPTZ,
	PRIMARY KEY (user_id, recorded_at)
);
`

// Storage implements membership.Storage using PostgreSQL
type Storage struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool}, nil
}

// EnsureSchema creates the tables this adapter needs if they do not exist
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetEntitlement implements membership.Storage
func (s *Storage) GetEntitlement(ctx context.Context, entitlementID string) (*membership.Entitlement, error) {
	var ent membership.Entitlement
	var pricesJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT entitlement_id, name, description, active, linked_product_id, linked_prices
			FROM entitlements WHERE entitlement_id = $1`,
		entitlementID).Scan(
		&ent.EntitlementID,
		&ent.Name,
		&ent.Description,
		&ent.Active,
		&ent.LinkedProductID,
		&pricesJSON,
	)

	if err == pgx.ErrNoRows {
		return nil, membership.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	if err := json.Unmarshal(pricesJSON, &ent.LinkedPrices); err != nil {
		return nil, fmt.Errorf("failed to decode price list: %w", err)
	}
	return &ent, nil
}

// PutEntitlement implements membership.Storage
func (s *Storage) PutEntitlement(ctx context.Context, ent *membership.Entitlement) error {
	if ent == nil || ent.EntitlementID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	pricesJSON, err := encodeJSON(ent.LinkedPrices)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO entitlements (entitlement_id, name, description, active, linked_product_id, linked_prices, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (entitlement_id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				active = EXCLUDED.active,
				linked_product_id = EXCLUDED.linked_product_id,
				linked_prices = EXCLUDED.linked_prices,
				updated_at = EXCLUDED.updated_at`,
		ent.EntitlementID, ent.Name, ent.Description, ent.Active,
		ent.LinkedProductID, pricesJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// PatchEntitlement implements membership.Storage
func (s *Storage) PatchEntitlement(
	ctx context.Context, entitlementID string, patch membership.EntitlementPatch,
) error {
	var sets []string
	var args []interface{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if v, ok := patch.Name.Value(); ok {
		add("name", v)
	}
	if v, ok := patch.Description.Value(); ok {
		add("description", v)
	} else if patch.Description.IsClear() {
		add("description", nil)
	}
	if v, ok := patch.Active.Value(); ok {
		add("active", v)
	}
	if v, ok := patch.LinkedPrices.Value(); ok {
		pricesJSON, err := encodeJSON(v)
		if err != nil {
			return err
		}
		add("linked_prices", pricesJSON)
	} else if patch.LinkedPrices.IsClear() {
		add("linked_prices", "[]")
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())

	args = append(args, entitlementID)
	query := fmt.Sprintf("UPDATE entitlements SET %s WHERE entitlement_id = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to patch entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrEntitlementNotFound
	}
	return nil
}

// GetMembership implements membership.Storage
func (s *Storage) GetMembership(ctx context.Context, userID string) (*membership.Membership, error) {
	return s.queryMembership(ctx, "user_id", userID)
}

// GetMembershipByCustomer implements membership.Storage
func (s *Storage) GetMembershipByCustomer(
	ctx context.Context, customerID string,
) (*membership.Membership, error) {
	return s.queryMembership(ctx, "linked_customer_id", customerID)
}

func (s *Storage) queryMembership(ctx context.Context, column, key string) (*membership.Membership, error) {
	var m membership.Membership
	var linksJSON []byte

	query := fmt.Sprintf(
		`SELECT user_id, status, entitlements, linked_customer_id, linked_subscription_id,
			last_payment_date, next_payment_date
			FROM memberships WHERE %s = $1`, column)

	err := s.pool.QueryRow(ctx, query, key).Scan(
		&m.UserID,
		&m.Status,
		&linksJSON,
		&m.LinkedCustomerID,
		&m.LinkedSubscriptionID,
		&m.LastPaymentDate,
		&m.NextPaymentDate,
	)

	if err == pgx.ErrNoRows {
		return nil, membership.ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	if err := json.Unmarshal(linksJSON, &m.Entitlements); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement links: %w", err)
	}
	return &m, nil
}

// CreateMembership implements membership.Storage. Both the primary key and
// the linked_customer_id unique constraint surface as ErrMembershipExists.
func (s *Storage) CreateMembership(ctx context.Context, m *membership.Membership) error {
	if m == nil || m.UserID == "" {
		return fmt.Errorf("invalid membership")
	}

	linksJSON, err := encodeJSON(m.Entitlements)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO memberships (user_id, status, entitlements, linked_customer_id,
			linked_subscription_id, last_payment_date, next_payment_date, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO NOTHING`,
		m.UserID, string(m.Status), linksJSON, m.LinkedCustomerID,
		m.LinkedSubscriptionID, m.LastPaymentDate, m.NextPaymentDate, time.Now().UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return membership.ErrMembershipExists
		}
		return fmt.Errorf("failed to create membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrMembershipExists
	}
	return nil
}

// PatchMembership implements membership.Storage
func (s *Storage) PatchMembership(
	ctx context.Context, userID string, patch membership.MembershipPatch,
) error {
	var sets []string
	var args []interface{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if v, ok := patch.Status.Value(); ok {
		add("status", string(v))
	}
	if v, ok := patch.Entitlements.Value(); ok {
		linksJSON, err := encodeJSON(v)
		if err != nil {
			return err
		}
		add("entitlements", linksJSON)
	} else if patch.Entitlements.IsClear() {
		add("entitlements", "[]")
	}
	if v, ok := patch.LinkedSubscriptionID.Value(); ok {
		add("linked_subscription_id", v)
	} else if patch.LinkedSubscriptionID.IsClear() {
		add("linked_subscription_id", nil)
	}
	if v, ok := patch.LastPaymentDate.Value(); ok {
		add("last_payment_date", v)
	} else if patch.LastPaymentDate.IsClear() {
		add("last_payment_date", nil)
	}
	if v, ok := patch.NextPaymentDate.Value(); ok {
		add("next_payment_date", v)
	} else if patch.NextPaymentDate.IsClear() {
		add("next_payment_date", nil)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())

	args = append(args, userID)
	query := fmt.Sprintf("UPDATE memberships SET %s WHERE user_id = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to patch membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return membership.ErrMembershipNotFound
	}
	return nil
}

// PutUsageRecord implements membership.Storage
func (s *Storage) PutUsageRecord(ctx context.Context, rec *membership.UsageRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid usage record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (user_id, recorded_at, entitlement_id, quantity,
			linked_product_id, linked_subscription_item_id, provider_record_id, provider_recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.UserID, rec.Timestamp, rec.EntitlementID, rec.Quantity,
		rec.LinkedProductID, rec.LinkedSubscriptionItemID,
		nullableString(rec.LinkedProviderUsageRecordID), rec.LinkedProviderUsageTimestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
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
	query := `SELECT user_id, recorded_at, entitlement_id, quantity, linked_product_id,
			linked_subscription_item_id, provider_record_id, provider_recorded_at
			FROM usage_records WHERE user_id = $1 ORDER BY recorded_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []*membership.UsageRecord
	for rows.Next() {
		var rec membership.UsageRecord
		var recordID *string
		if err := rows.Scan(
			&rec.UserID,
			&rec.Timestamp,
			&rec.EntitlementID,
			&rec.Quantity,
			&rec.LinkedProductID,
			&rec.LinkedSubscriptionItemID,
			&recordID,
			&rec.LinkedProviderUsageTimestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if recordID != nil {
			rec.LinkedProviderUsageRecordID = *recordID
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage records: %w", err)
	}
	return records, nil
}

// encodeJSON marshals a value for a JSONB column. pgx wants a string, and an
// empty slice must encode as an empty array rather than null.
func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSONB value: %w", err)
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
