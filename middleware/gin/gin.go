// Package gin provides Gin middleware for entitlement enforcement
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Authorizer answers whether a user currently holds an entitlement.
// *membership.MembershipSyncer satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, userID, entitlementID string) (membership.EntitlementLink, error)
}

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// EntitlementExtractor extracts the entitlement ID to check from a Gin context
type EntitlementExtractor func(c *gongin.Context) string

// LinkContextKey is the Gin context key the granting link is stored under
const LinkContextKey = "membership:link"

// Config holds middleware configuration
type Config struct {
	// Authorizer checks entitlement grants (required)
	Authorizer Authorizer

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetEntitlement extracts the entitlement ID from context (required)
	GetEntitlement EntitlementExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the user does not hold the entitlement
	// If nil, returns 403 Forbidden
	OnForbidden func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// RequireEntitlement creates a Gin middleware that rejects requests from
// users who do not hold the extracted entitlement. On success the granting
// link is stored on the context under LinkContextKey.
func RequireEntitlement(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Authorizer == nil {
		panic("gomembership/gin: Config.Authorizer is required")
	}
	if cfg.GetUserID == nil {
		panic("gomembership/gin: Config.GetUserID is required")
	}
	if cfg.GetEntitlement == nil {
		panic("gomembership/gin: Config.GetEntitlement is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		entitlementID := cfg.GetEntitlement(c)
		link, err := cfg.Authorizer.Authorize(c.Request.Context(), userID, entitlementID)
		if err != nil {
			if errors.Is(err, membership.ErrMembershipNotFound) || errors.Is(err, membership.ErrNotEntitled) {
				if cfg.OnForbidden != nil {
					cfg.OnForbidden(c)
				} else {
					c.JSON(http.StatusForbidden, gongin.H{"error": "Forbidden"})
				}
			} else {
				if cfg.OnError != nil {
					cfg.OnError(c, err)
				} else {
					c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
				}
			}
			c.Abort()
			return
		}

		c.Set(LinkContextKey, link)
		c.Next()
	}
}

// LinkFromContext returns the granting link stored by RequireEntitlement
func LinkFromContext(c *gongin.Context) (membership.EntitlementLink, bool) {
	val, exists := c.Get(LinkContextKey)
	if !exists {
		return membership.EntitlementLink{}, false
	}
	link, ok := val.(membership.EntitlementLink)
	return link, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Entitlement

// FixedEntitlement returns an EntitlementExtractor that always returns the
// same entitlement ID
func FixedEntitlement(entitlementID string) EntitlementExtractor {
	return func(*gongin.Context) string {
		return entitlementID
	}
}

// EntitlementFromParam returns an EntitlementExtractor reading a route parameter
func EntitlementFromParam(paramName string) EntitlementExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
