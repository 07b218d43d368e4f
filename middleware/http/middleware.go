// Package http provides HTTP middleware for entitlement enforcement
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Authorizer answers whether a user currently holds an entitlement.
// *membership.MembershipSyncer satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, userID, entitlementID string) (membership.EntitlementLink, error)
}

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// EntitlementExtractor extracts the entitlement ID to check from a request
type EntitlementExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Authorizer checks entitlement grants (required)
	Authorizer Authorizer

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetEntitlement extracts the entitlement ID from request (required)
	GetEntitlement EntitlementExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the user does not hold the entitlement
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireEntitlement creates an HTTP middleware that rejects requests from
// users who do not hold the extracted entitlement. On success the granting
// link is placed on the request context under LinkKey.
func RequireEntitlement(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			entitlementID := config.GetEntitlement(r)
			link, err := config.Authorizer.Authorize(r.Context(), userID, entitlementID)
			if err != nil {
				if errors.Is(err, membership.ErrMembershipNotFound) || errors.Is(err, membership.ErrNotEntitled) {
					if config.OnForbidden != nil {
						config.OnForbidden(w, r)
					} else {
						http.Error(w, "Forbidden", http.StatusForbidden)
					}
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
					}
				}
				return
			}

			ctx := context.WithValue(r.Context(), LinkKey, link)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces entitlements (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireEntitlement(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "membership:userID"

	// LinkKey is the context key the granting entitlement link is stored under
	LinkKey ContextKey = "membership:link"
)

// Common extractors for convenience

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedEntitlement returns an EntitlementExtractor that always returns the
// same entitlement ID
func FixedEntitlement(entitlementID string) EntitlementExtractor {
	return func(r *http.Request) string {
		return entitlementID
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// LinkFromContext returns the granting link stored by RequireEntitlement
func LinkFromContext(ctx context.Context) (membership.EntitlementLink, bool) {
	link, ok := ctx.Value(LinkKey).(membership.EntitlementLink)
	return link, ok
}
