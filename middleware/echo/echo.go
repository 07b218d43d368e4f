// Package echo provides Echo middleware for entitlement enforcement
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Authorizer answers whether a user currently holds an entitlement.
// *membership.MembershipSyncer satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, userID, entitlementID string) (membership.EntitlementLink, error)
}

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// EntitlementExtractor extracts the entitlement ID to check from an Echo context
type EntitlementExtractor func(c echo.Context) string

// LinkContextKey is the Echo context key the granting link is stored under
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
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the user does not hold the entitlement
	// If nil, returns 403 Forbidden
	OnForbidden func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// RequireEntitlement creates an Echo middleware that rejects requests from
// users who do not hold the extracted entitlement. On success the granting
// link is stored on the context under LinkContextKey.
func RequireEntitlement(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Authorizer == nil {
		panic("gomembership/echo: Config.Authorizer is required")
	}
	if cfg.GetUserID == nil {
		panic("gomembership/echo: Config.GetUserID is required")
	}
	if cfg.GetEntitlement == nil {
		panic("gomembership/echo: Config.GetEntitlement is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			entitlementID := cfg.GetEntitlement(c)
			link, err := cfg.Authorizer.Authorize(c.Request().Context(), userID, entitlementID)
			if err != nil {
				if errors.Is(err, membership.ErrMembershipNotFound) || errors.Is(err, membership.ErrNotEntitled) {
					if cfg.OnForbidden != nil {
						return cfg.OnForbidden(c)
					}
					return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden"})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
			}

			c.Set(LinkContextKey, link)
			return next(c)
		}
	}
}

// LinkFromContext returns the granting link stored by RequireEntitlement
func LinkFromContext(c echo.Context) (membership.EntitlementLink, bool) {
	link, ok := c.Get(LinkContextKey).(membership.EntitlementLink)
	return link, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Entitlement

// FixedEntitlement returns an EntitlementExtractor that always returns the
// same entitlement ID
func FixedEntitlement(entitlementID string) EntitlementExtractor {
	return func(echo.Context) string {
		return entitlementID
	}
}

// EntitlementFromParam returns an EntitlementExtractor reading a route parameter
func EntitlementFromParam(paramName string) EntitlementExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
