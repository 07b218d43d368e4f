package membership

import "time"

// Field is a tri-state patch value. The zero value means "leave untouched";
// Set carries a new value; Clear removes the stored value (distinct from
// omitting the field, which storage adapters must preserve).
type Field[T any] struct {
	value T
	set   bool
	clear bool
}

// Set returns a Field carrying v.
func Set[T any](v T) Field[T] {
	return Field[T]{value: v, set: true}
}

// Clear returns a Field that removes the stored value.
func Clear[T any]() Field[T] {
	return Field[T]{clear: true}
}

// IsSet reports whether the field carries a value.
func (f Field[T]) IsSet() bool { return f.set }

// IsClear reports whether the field requests removal.
func (f Field[T]) IsClear() bool { return f.clear }

// IsZero reports whether the field was omitted entirely.
func (f Field[T]) IsZero() bool { return !f.set && !f.clear }

// Value returns the carried value. ok is false unless IsSet.
func (f Field[T]) Value() (v T, ok bool) {
	if !f.set {
		return v, false
	}
	return f.value, true
}

// MustValue returns the carried value or the zero value when unset.
func (f Field[T]) MustValue() T { return f.value }

// EntitlementPatch names the entitlement fields a caller wants changed.
// Omitted fields are left untouched by the storage adapter.
type EntitlementPatch struct {
	Name         Field[string]
	Description  Field[string]
	Active       Field[bool]
	LinkedPrices Field[[]PriceLink]
}

// IsZero reports whether the patch carries no changes at all.
func (p EntitlementPatch) IsZero() bool {
	return p.Name.IsZero() && p.Description.IsZero() && p.Active.IsZero() && p.LinkedPrices.IsZero()
}

// MembershipPatch names the membership fields a caller wants changed.
type MembershipPatch struct {
	Status               Field[Status]
	Entitlements         Field[[]EntitlementLink]
	LinkedSubscriptionID Field[string]
	LastPaymentDate      Field[time.Time]
	NextPaymentDate      Field[time.Time]
}

// IsZero reports whether the patch carries no changes at all.
func (p MembershipPatch) IsZero() bool {
	return p.Status.IsZero() && p.Entitlements.IsZero() && p.LinkedSubscriptionID.IsZero() &&
		p.LastPaymentDate.IsZero() && p.NextPaymentDate.IsZero()
}
