package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gomembership/pkg/billing"
)

// UsageReporter records one unit of metered consumption: it forwards the
// quantity to the billing provider and persists an auditable local copy.
// The two writes are not atomic - a local write failure after a successful
// provider call means the usage was billed but not recorded, and the gap is
// logged at error severity for manual reconciliation.
type UsageReporter struct {
	store    Storage
	provider billing.Provider
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewUsageReporter creates a usage reporter.
func NewUsageReporter(config Config) (*UsageReporter, error) {
	if config.Storage == nil {
		return nil, errors.New("membership: Storage is required")
	}
	if config.Provider == nil {
		return nil, errors.New("membership: Provider is required")
	}
	config = config.withDefaults()
	return &UsageReporter{
		store:    config.Storage,
		provider: config.Provider,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}, nil
}

// Report forwards quantity units against the entitlement link and persists
// the audit record. Only subscription-anchored links are metered; any other
// link fails with ErrNotMetered before the provider is called.
func (r *UsageReporter) Report(
	ctx context.Context, userID string, link EntitlementLink, quantity int64,
) (*UsageRecord, error) {
	startTime := time.Now()

	itemID, ok := link.SubscriptionItemID()
	if !ok {
		r.metrics.RecordUsageReport("not_metered")
		return nil, fmt.Errorf("%w: entitlement %s", ErrNotMetered, link.EntitlementID)
	}

	recordedAt := r.now()

	ack, err := r.provider.RecordUsage(ctx, itemID, quantity)
	if err != nil {
		r.metrics.RecordUsageReport("provider_error")
		return nil, fmt.Errorf("failed to report usage for %s: %w", itemID, err)
	}

	rec := &UsageRecord{
		UserID:                      userID,
		Timestamp:                   recordedAt,
		EntitlementID:               link.EntitlementID,
		Quantity:                    quantity,
		LinkedProductID:             link.EntitlementID,
		LinkedSubscriptionItemID:    itemID,
		LinkedProviderUsageRecordID: ack.RecordID,
	}
	if !ack.Timestamp.IsZero() {
		ts := ack.Timestamp
		rec.LinkedProviderUsageTimestamp = &ts
	}

	if err := r.store.PutUsageRecord(ctx, rec); err != nil {
		// The provider already billed this quantity. There is no compensating
		// action; the record ids below are the reconciliation breadcrumbs.
		r.metrics.RecordUsageReport("store_error")
		r.logger.Error("usage billed but audit record not persisted",
			LogField{Key: "user_id", Value: userID},
			LogField{Key: "entitlement_id", Value: link.EntitlementID},
			LogField{Key: "subscription_item_id", Value: itemID},
			LogField{Key: "provider_record_id", Value: ack.RecordID},
			LogField{Key: "quantity", Value: quantity},
			LogField{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("%w: usage record not persisted: %v", ErrStorageUnavailable, err)
	}

	r.metrics.RecordUsageReport("success")
	r.metrics.RecordUsageReportDuration(time.Since(startTime))
	return rec, nil
}

// History returns up to limit usage records for a user, newest first.
func (r *UsageReporter) History(ctx context.Context, userID string, limit int) ([]*UsageRecord, error) {
	records, err := r.store.ListUsageRecords(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records for %s: %w", userID, err)
	}
	return records, nil
}
