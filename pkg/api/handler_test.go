package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/gomembership/pkg/api"
	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/storage/memory"
)

// stubProvider returns canned webhook verification results so handler tests
// can drive each dispatch outcome without real signatures.
type stubProvider struct {
	verifyEvent *billing.Event
	verifyErr   error
	lineItems   []billing.LineItem
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateCustomer(_ context.Context, userID string) (*billing.Customer, error) {
	return &billing.Customer{ID: "cus_" + userID}, nil
}

func (p *stubProvider) CreateCheckoutSession(
	_ context.Context, params *billing.CheckoutParams,
) (*billing.CheckoutSession, error) {
	return &billing.CheckoutSession{
		ID:         "cs_stub",
		URL:        "https://checkout.example.com/cs_stub",
		CustomerID: params.CustomerID,
	}, nil
}

func (p *stubProvider) CreatePortalSession(
	_ context.Context, customerID, returnURL string,
) (*billing.PortalSession, error) {
	return &billing.PortalSession{ID: "bps_stub", URL: "https://portal.example.com/" + customerID}, nil
}

func (p *stubProvider) CheckoutLineItems(_ context.Context, sessionID string) ([]billing.LineItem, error) {
	return p.lineItems, nil
}

func (p *stubProvider) RecordUsage(
	_ context.Context, subscriptionItemID string, quantity int64,
) (*billing.UsageAck, error) {
	return &billing.UsageAck{RecordID: "mtr_stub", Timestamp: time.Now().UTC()}, nil
}

func (p *stubProvider) VerifyWebhook(payload []byte, signatureHeader string) (*billing.Event, error) {
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	return p.verifyEvent, nil
}

type testEnv struct {
	handler  http.Handler
	store    *memory.Storage
	provider *stubProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	provider := &stubProvider{}
	config := membership.Config{Storage: store, Provider: provider}

	entitlements, err := membership.NewEntitlementSyncer(config)
	if err != nil {
		t.Fatalf("NewEntitlementSyncer failed: %v", err)
	}
	memberships, err := membership.NewMembershipSyncer(config)
	if err != nil {
		t.Fatalf("NewMembershipSyncer failed: %v", err)
	}
	usage, err := membership.NewUsageReporter(config)
	if err != nil {
		t.Fatalf("NewUsageReporter failed: %v", err)
	}

	handler, err := api.NewHandler(api.Config{
		Dispatcher:  membership.NewDispatcher(entitlements, memberships, nil),
		Memberships: memberships,
		Usage:       usage,
		Provider:    provider,
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return &testEnv{handler: handler.Router(), store: store, provider: provider}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Stripe-Signature", "t=1,v1=stub")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) seedActiveMembership(t *testing.T, userID string, links ...membership.EntitlementLink) {
	t.Helper()
	err := e.store.CreateMembership(context.Background(), &membership.Membership{
		UserID:           userID,
		Status:           membership.StatusActive,
		LinkedCustomerID: "cus_" + userID,
		Entitlements:     links,
	})
	if err != nil {
		t.Fatalf("CreateMembership failed: %v", err)
	}
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	if _, err := api.NewHandler(api.Config{}); err == nil {
		t.Fatal("Expected error for empty config")
	}
}

func TestHandleWebhook_EmptyBody(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/webhook", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.provider.verifyErr = billing.ErrInvalidWebhookSignature

	rr := env.do(t, http.MethodPost, "/webhook", "{}")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusForbidden)
	}
}

func TestHandleWebhook_BadPayload(t *testing.T) {
	env := newTestEnv(t)
	env.provider.verifyErr = billing.ErrInvalidWebhookPayload

	rr := env.do(t, http.MethodPost, "/webhook", "{}")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHandleWebhook_ProcessedEvent(t *testing.T) {
	env := newTestEnv(t)
	env.provider.verifyEvent = &billing.Event{
		ID:      "evt_1",
		Kind:    billing.EventProductCreated,
		Type:    "product.created",
		Product: &billing.Product{ID: "prod_1", Name: "Pro", Active: true},
	}

	rr := env.do(t, http.MethodPost, "/webhook", "{}")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if _, err := env.store.GetEntitlement(context.Background(), "prod_1"); err != nil {
		t.Errorf("Event was acked but not projected: %v", err)
	}
}

func TestHandleWebhook_ConflictAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	subID := "sub_current"
	if err := env.store.CreateMembership(context.Background(), &membership.Membership{
		UserID:               "user1",
		Status:               membership.StatusActive,
		LinkedCustomerID:     "cus_user1",
		LinkedSubscriptionID: &subID,
	}); err != nil {
		t.Fatalf("CreateMembership failed: %v", err)
	}

	// A second subscription for an already linked membership trips the state
	// guard; redelivery cannot fix it, so the provider must see a 200.
	env.provider.verifyEvent = &billing.Event{
		ID:   "evt_1",
		Kind: billing.EventSubscriptionCreated,
		Type: "customer.subscription.created",
		Subscription: &billing.Subscription{
			ID:         "sub_other",
			CustomerID: "cus_user1",
			Status:     "active",
		},
	}

	rr := env.do(t, http.MethodPost, "/webhook", "{}")
	if rr.Code != http.StatusOK {
		t.Fatalf("Conflicts must be acknowledged, status=%d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleWebhook_TransientFailureAsksForRetry(t *testing.T) {
	env := newTestEnv(t)

	// Subscription for a customer this system has not seen yet. The
	// membership may appear later, so a 500 asks the provider to redeliver.
	env.provider.verifyEvent = &billing.Event{
		ID:   "evt_1",
		Kind: billing.EventSubscriptionCreated,
		Type: "customer.subscription.created",
		Subscription: &billing.Subscription{
			ID:         "sub_1",
			CustomerID: "cus_ghost",
			Status:     "active",
		},
	}

	rr := env.do(t, http.MethodPost, "/webhook", "{}")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestInitiateCheckout(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.PutEntitlement(context.Background(), &membership.Entitlement{
		EntitlementID:   "prod_1",
		Name:            "Pro",
		Active:          true,
		LinkedProductID: "prod_1",
	}); err != nil {
		t.Fatalf("PutEntitlement failed: %v", err)
	}

	body := `{"user_id":"user1","items":[{"entitlement_id":"prod_1","price_id":"price_1"}]}`
	rr := env.do(t, http.MethodPost, "/checkout/initiate", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		SessionID string `json:"session_id"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "cs_stub" || resp.URL == "" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestInitiateCheckout_Validation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/checkout/initiate", `{"user_id":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Missing fields: status=%d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = env.do(t, http.MethodPost, "/checkout/initiate", `not json`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Bad JSON: status=%d, want %d", rr.Code, http.StatusBadRequest)
	}

	body := `{"user_id":"user1","items":[{"entitlement_id":"prod_missing","price_id":"price_1"}]}`
	rr = env.do(t, http.MethodPost, "/checkout/initiate", body)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Unknown entitlement: status=%d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestReportUsage(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveMembership(t, "user1", membership.SubscriptionLinked("prod_1", "si_1"))

	rr := env.do(t, http.MethodPost, "/memberships/user1/usage/prod_1", `{"quantity":3}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		UserID        string `json:"user_id"`
		EntitlementID string `json:"entitlement_id"`
		Quantity      int64  `json:"quantity"`
		RecordID      string `json:"record_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UserID != "user1" || resp.EntitlementID != "prod_1" || resp.Quantity != 3 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if resp.RecordID != "mtr_stub" {
		t.Errorf("Expected provider record id, got %q", resp.RecordID)
	}
}

func TestReportUsage_DefaultsQuantity(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveMembership(t, "user1", membership.SubscriptionLinked("prod_1", "si_1"))

	// No body at all still reports a single unit
	rr := env.do(t, http.MethodPost, "/memberships/user1/usage/prod_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"quantity":1`) {
		t.Errorf("Expected quantity 1, body: %s", rr.Body.String())
	}
}

func TestReportUsage_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveMembership(t, "user1", membership.SubscriptionLinked("prod_1", "si_1"))

	rr := env.do(t, http.MethodPost, "/memberships/user1/usage/prod_other", "")
	if rr.Code != http.StatusForbidden {
		t.Errorf("Not entitled: status=%d, want %d", rr.Code, http.StatusForbidden)
	}

	rr = env.do(t, http.MethodPost, "/memberships/ghost/usage/prod_1", "")
	if rr.Code != http.StatusForbidden {
		t.Errorf("No membership: status=%d, want %d", rr.Code, http.StatusForbidden)
	}
}

func TestReportUsage_NotMetered(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveMembership(t, "user1", membership.CheckoutLinked("prod_1", "li_1"))

	rr := env.do(t, http.MethodPost, "/memberships/user1/usage/prod_1", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("One-time purchase usage: status=%d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestUsageHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveMembership(t, "user1", membership.SubscriptionLinked("prod_1", "si_1"))

	for i := 0; i < 3; i++ {
		rr := env.do(t, http.MethodPost, "/memberships/user1/usage/prod_1", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("Report %d failed: %s", i, rr.Body.String())
		}
	}

	rr := env.do(t, http.MethodGet, "/memberships/user1/usage?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		UserID  string            `json:"user_id"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Records) != 2 {
		t.Errorf("Expected 2 records, got %d", len(resp.Records))
	}

	rr = env.do(t, http.MethodGet, "/memberships/user1/usage?limit=zero", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Invalid limit: status=%d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestAuthorize(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveMembership(t, "user1", membership.SubscriptionLinked("prod_1", "si_1"))

	rr := env.do(t, http.MethodGet, "/memberships/user1/authorize/prod_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Authorized bool   `json:"authorized"`
		Kind       string `json:"kind"`
		LinkedID   string `json:"linked_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Authorized || resp.LinkedID != "si_1" {
		t.Errorf("Unexpected response: %+v", resp)
	}

	rr = env.do(t, http.MethodGet, "/memberships/user1/authorize/prod_other", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusForbidden)
	}
	if !strings.Contains(rr.Body.String(), `"authorized":false`) {
		t.Errorf("Expected authorized:false body, got %s", rr.Body.String())
	}
}

func TestCreatePortalSession(t *testing.T) {
	env := newTestEnv(t)
	env.seedActiveMembership(t, "user1")

	rr := env.do(t, http.MethodPost, "/memberships/user1/customer-portal-session",
		`{"return_url":"https://example.com/account"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "https://portal.example.com/cus_user1") {
		t.Errorf("Unexpected body: %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/memberships/ghost/customer-portal-session", "")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Unknown user: status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
