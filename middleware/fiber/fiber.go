// Package fiber provides Fiber middleware for entitlement enforcement
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Authorizer answers whether a user currently holds an entitlement.
// *membership.MembershipSyncer satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, userID, entitlementID string) (membership.EntitlementLink, error)
}

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// EntitlementExtractor extracts the entitlement ID to check from a Fiber context
type EntitlementExtractor func(c *fiber.Ctx) string

// LinkContextKey is the Fiber locals key the granting link is stored under
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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the user does not hold the entitlement
	// If nil, returns 403 Forbidden
	OnForbidden func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// RequireEntitlement creates a Fiber middleware that rejects requests from
// users who do not hold the extracted entitlement. On success the granting
// link is stored in locals under LinkContextKey.
func RequireEntitlement(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Authorizer == nil {
		panic("gomembership/fiber: Config.Authorizer is required")
	}
	if cfg.GetUserID == nil {
		panic("gomembership/fiber: Config.GetUserID is required")
	}
	if cfg.GetEntitlement == nil {
		panic("gomembership/fiber: Config.GetEntitlement is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		entitlementID := cfg.GetEntitlement(c)
		link, err := cfg.Authorizer.Authorize(c.UserContext(), userID, entitlementID)
		if err != nil {
			if errors.Is(err, membership.ErrMembershipNotFound) || errors.Is(err, membership.ErrNotEntitled) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c)
				}
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
		}

		c.Locals(LinkContextKey, link)
		return c.Next()
	}
}

// LinkFromContext returns the granting link stored by RequireEntitlement
func LinkFromContext(c *fiber.Ctx) (membership.EntitlementLink, bool) {
	link, ok := c.Locals(LinkContextKey).(membership.EntitlementLink)
	return link, ok
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Convenience extractors for Entitlement

// FixedEntitlement returns an EntitlementExtractor that always returns the
// same entitlement ID
func FixedEntitlement(entitlementID string) EntitlementExtractor {
	return func(*fiber.Ctx) string {
		return entitlementID
	}
}

// EntitlementFromParam returns an EntitlementExtractor reading a route parameter
func EntitlementFromParam(paramName string) EntitlementExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
