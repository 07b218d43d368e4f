package fiber

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// fakeAuthorizer grants a fixed set of entitlements per user
type fakeAuthorizer struct {
	grants map[string]map[string]membership.EntitlementLink
	err    error
}

func (a *fakeAuthorizer) Authorize(
	_ context.Context, userID, entitlementID string,
) (membership.EntitlementLink, error) {
	if a.err != nil {
		return membership.EntitlementLink{}, a.err
	}
	links, ok := a.grants[userID]
	if !ok {
		return membership.EntitlementLink{}, membership.ErrMembershipNotFound
	}
	link, ok := links[entitlementID]
	if !ok {
		return membership.EntitlementLink{}, membership.ErrNotEntitled
	}
	return link, nil
}

func newFakeAuthorizer() *fakeAuthorizer {
	return &fakeAuthorizer{
		grants: map[string]map[string]membership.EntitlementLink{
			"user1": {
				"prod_pro": membership.SubscriptionLinked("prod_pro", "si_1"),
			},
		},
	}
}

func newTestApp(authorizer Authorizer, entitlementID string) *fiber.App {
	app := fiber.New()
	app.Use(RequireEntitlement(Config{
		Authorizer:     authorizer,
		GetUserID:      FromHeader("X-User-ID"),
		GetEntitlement: FixedEntitlement(entitlementID),
	}))
	app.Get("/premium", func(c *fiber.Ctx) error {
		if _, ok := LinkFromContext(c); !ok {
			return c.Status(fiber.StatusInternalServerError).SendString("no link")
		}
		return c.SendString("success")
	})
	return app
}

func TestRequireEntitlement_Success(t *testing.T) {
	app := newTestApp(newFakeAuthorizer(), "prod_pro")

	req := httptest.NewRequest("GET", "/premium", http.NoBody)
	req.Header.Set("X-User-ID", "user1")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestRequireEntitlement_MissingAuth(t *testing.T) {
	app := newTestApp(newFakeAuthorizer(), "prod_pro")

	req := httptest.NewRequest("GET", "/premium", http.NoBody)
	// No X-User-ID header

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestRequireEntitlement_NotEntitled(t *testing.T) {
	app := newTestApp(newFakeAuthorizer(), "prod_enterprise")

	req := httptest.NewRequest("GET", "/premium", http.NoBody)
	req.Header.Set("X-User-ID", "user1")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestRequireEntitlement_StorageError(t *testing.T) {
	authorizer := newFakeAuthorizer()
	authorizer.err = errors.New("backend down")
	app := newTestApp(authorizer, "prod_pro")

	req := httptest.NewRequest("GET", "/premium", http.NoBody)
	req.Header.Set("X-User-ID", "user1")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestRequireEntitlement_EntitlementFromParam(t *testing.T) {
	app := fiber.New()
	app.Get("/features/:feature", RequireEntitlement(Config{
		Authorizer:     newFakeAuthorizer(),
		GetUserID:      FromHeader("X-User-ID"),
		GetEntitlement: EntitlementFromParam("feature"),
	}), func(c *fiber.Ctx) error {
		return c.SendString("success")
	})

	req := httptest.NewRequest("GET", "/features/prod_pro", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/features/prod_other", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Test request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestRequireEntitlement_CustomForbidden(t *testing.T) {
	app := fiber.New()
	app.Use(RequireEntitlement(Config{
		Authorizer:     newFakeAuthorizer(),
		GetUserID:      FromHeader("X-User-ID"),
		GetEntitlement: FixedEntitlement("prod_enterprise"),
		OnForbidden: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusPaymentRequired).SendString("upgrade required")
		},
	}))
	app.Get("/premium", func(c *fiber.Ctx) error {
		return c.SendString("success")
	})

	req := httptest.NewRequest("GET", "/premium", http.NoBody)
	req.Header.Set("X-User-ID", "user1")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}
}

func TestRequireEntitlement_MissingConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Authorizer")
		}
	}()

	RequireEntitlement(Config{
		GetUserID:      FromHeader("X-User-ID"),
		GetEntitlement: FixedEntitlement("prod_pro"),
	})
}
