package membership

import "context"

// Storage defines typed, partial-update-capable access to the three record
// stores. Implementations never mutate records on their own initiative; all
// writes originate from a synchronizer or the usage reporter.
//
// Patch methods apply only the fields named by the patch. Fields omitted from
// the patch are left untouched; fields set to Clear are removed (stored as
// null/absent, distinct from omission).
type Storage interface {
	// GetEntitlement retrieves an entitlement by id.
	// Returns ErrEntitlementNotFound if absent.
	GetEntitlement(ctx context.Context, entitlementID string) (*Entitlement, error)

	// PutEntitlement stores an entitlement, overwriting any existing record
	// with the same id. Used only at creation; replaying creation with the
	// same payload is therefore a no-op.
	PutEntitlement(ctx context.Context, ent *Entitlement) error

	// PatchEntitlement applies a partial update to an entitlement.
	// Returns ErrEntitlementNotFound if absent.
	PatchEntitlement(ctx context.Context, entitlementID string, patch EntitlementPatch) error

	// GetMembership retrieves a membership by user id.
	// Returns ErrMembershipNotFound if absent.
	GetMembership(ctx context.Context, userID string) (*Membership, error)

	// CreateMembership stores a new membership if and only if none exists for
	// the user. Returns ErrMembershipExists otherwise, so concurrent creators
	// cannot both commit.
	CreateMembership(ctx context.Context, m *Membership) error

	// PatchMembership applies a partial update to a membership.
	// Returns ErrMembershipNotFound if absent.
	PatchMembership(ctx context.Context, userID string, patch MembershipPatch) error

	// GetMembershipByCustomer retrieves the membership linked to a provider
	// customer id. Returns ErrMembershipNotFound if absent.
	GetMembershipByCustomer(ctx context.Context, customerID string) (*Membership, error)

	// PutUsageRecord appends an immutable usage record. Returns
	// ErrUsageRecordExists when a record with the same user and timestamp
	// was already written.
	PutUsageRecord(ctx context.Context, rec *UsageRecord) error

	// ListUsageRecords returns up to limit usage records for a user, newest
	// first. limit <= 0 means no limit.
	ListUsageRecords(ctx context.Context, userID string, limit int) ([]*UsageRecord, error)
}
