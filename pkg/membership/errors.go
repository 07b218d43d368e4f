package membership

import "errors"

var (
	// ErrEntitlementNotFound is returned when no entitlement exists for an id
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrMembershipNotFound is returned when no membership exists for a user or customer
	ErrMembershipNotFound = errors.New("membership not found")

	// ErrMembershipExists is returned by conditional creation when a membership
	// for the user already exists
	ErrMembershipExists = errors.New("membership already exists")

	// ErrAlreadyLinked is returned when a transition would attach a second
	// subscription or checkout to an already-linked membership
	ErrAlreadyLinked = errors.New("membership already linked")

	// ErrSubscriptionMismatch is returned when an unlink event names a
	// subscription other than the one the membership is linked to
	ErrSubscriptionMismatch = errors.New("subscription id mismatch")

	// ErrNotMetered is returned when usage is reported against an entitlement
	// that is not anchored to a subscription item
	ErrNotMetered = errors.New("entitlement is not metered")

	// ErrNotEntitled is returned when a user does not hold the entitlement
	ErrNotEntitled = errors.New("user does not hold entitlement")

	// ErrUsageRecordExists is returned when a usage record with the same
	// user and timestamp was already written
	ErrUsageRecordExists = errors.New("usage record already exists")

	// ErrStorageUnavailable is returned when the backing store failed transiently
	ErrStorageUnavailable = errors.New("storage unavailable")
)
