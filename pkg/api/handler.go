package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

const defaultHistoryLimit = 50

// Handler provides HTTP endpoints for webhook ingestion, checkout,
// usage reporting and entitlement authorization.
type Handler struct {
	config Config
}

// Router returns a chi router with all endpoints mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook", h.HandleWebhook)
	r.Post("/checkout/initiate", h.InitiateCheckout)
	r.Post("/memberships/{userID}/usage/{entitlementID}", h.ReportUsage)
	r.Get("/memberships/{userID}/usage", h.UsageHistory)
	r.Get("/memberships/{userID}/authorize/{entitlementID}", h.Authorize)
	r.Post("/memberships/{userID}/customer-portal-session", h.CreatePortalSession)
	return r
}

// HandleWebhook verifies and dispatches one provider event.
//
// The response code is the only retry signal the provider sees: 2xx
// acknowledges, 4xx rejects without retry, 5xx asks for redelivery. State
// conflicts (duplicate or out-of-order deliveries tripping a guard) are
// therefore acknowledged with 200 after logging, because redelivering the
// same event can never resolve them.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	providerName := h.config.Provider.Name()

	payload, err := h.readBody(w, r)
	if err != nil {
		h.config.Metrics.RecordWebhookError(providerName, "invalid_body")
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	event, err := h.config.Provider.VerifyWebhook(payload, r.Header.Get(h.config.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidWebhookSignature):
			h.config.Metrics.RecordWebhookError(providerName, "invalid_signature")
			h.handleError(w, r, err, http.StatusForbidden)
		case errors.Is(err, billing.ErrInvalidWebhookPayload):
			h.config.Metrics.RecordWebhookError(providerName, "invalid_payload")
			h.handleError(w, r, err, http.StatusBadRequest)
		default:
			h.config.Metrics.RecordWebhookError(providerName, "verification_failed")
			h.handleError(w, r, err, http.StatusInternalServerError)
		}
		return
	}

	err = h.config.Dispatcher.HandleEvent(r.Context(), event)
	switch {
	case err == nil:
		h.config.Metrics.RecordWebhookEvent(providerName, event.Type, "processed")
	case isConflict(err):
		// Permanent for this delivery; ack so the provider stops retrying.
		h.config.Metrics.RecordWebhookEvent(providerName, event.Type, "conflict")
		h.config.Logger.Error("webhook event conflicts with stored state, acknowledging",
			membership.LogField{Key: "event_id", Value: event.ID},
			membership.LogField{Key: "event_type", Value: event.Type},
			membership.LogField{Key: "error", Value: err.Error()})
	default:
		h.config.Metrics.RecordWebhookEvent(providerName, event.Type, "error")
		h.handleError(w, r, fmt.Errorf("failed to process event %s: %w", event.ID, err),
			http.StatusInternalServerError)
		return
	}

	h.config.Metrics.RecordWebhookProcessingDuration(providerName, event.Type, time.Since(startTime))
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// isConflict reports whether the error is a state guard rejection that a
// redelivery of the same event cannot fix.
func isConflict(err error) bool {
	return errors.Is(err, membership.ErrAlreadyLinked) ||
		errors.Is(err, membership.ErrSubscriptionMismatch) ||
		errors.Is(err, billing.ErrMissingCustomer)
}

// InitiateCheckout starts a provider checkout session for a user.
func (h *Handler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || len(req.Items) == 0 {
		h.handleError(w, r, fmt.Errorf("user_id and items are required"), http.StatusBadRequest)
		return
	}

	checkout := &membership.CheckoutRequest{
		UserID:     req.UserID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	}
	for _, item := range req.Items {
		checkout.Items = append(checkout.Items, membership.CheckoutItemRequest{
			EntitlementID: item.EntitlementID,
			PriceID:       item.PriceID,
			Quantity:      item.Quantity,
		})
	}

	session, err := h.config.Memberships.InitiateCheckout(r.Context(), checkout)
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrAlreadyLinked):
			h.handleError(w, r, err, http.StatusBadRequest)
		case errors.Is(err, membership.ErrEntitlementNotFound):
			h.handleError(w, r, err, http.StatusNotFound)
		default:
			h.handleError(w, r, err, http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutResponse{SessionID: session.ID, URL: session.URL})
}

// ReportUsage authorizes the user against the entitlement and reports the
// quantity to the billing provider.
func (h *Handler) ReportUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	entitlementID := chi.URLParam(r, "entitlementID")

	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	link, err := h.config.Memberships.Authorize(r.Context(), userID, entitlementID)
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrMembershipNotFound), errors.Is(err, membership.ErrNotEntitled):
			h.handleError(w, r, err, http.StatusForbidden)
		default:
			h.handleError(w, r, err, http.StatusServiceUnavailable)
		}
		return
	}

	rec, err := h.config.Usage.Report(r.Context(), userID, link, req.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrNotMetered):
			h.handleError(w, r, err, http.StatusBadRequest)
		case errors.Is(err, membership.ErrStorageUnavailable):
			h.handleError(w, r, err, http.StatusServiceUnavailable)
		default:
			h.handleError(w, r, err, http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, usageResponse(rec))
}

// UsageHistory returns recent usage records for a user, newest first.
// An optional limit query parameter caps the page size.
func (h *Handler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.handleError(w, r, fmt.Errorf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := h.config.Usage.History(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, r, err, http.StatusServiceUnavailable)
		return
	}

	resp := UsageHistoryResponse{UserID: userID, Records: make([]UsageResponse, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, usageResponse(rec))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Authorize answers whether the user currently holds the entitlement.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	entitlementID := chi.URLParam(r, "entitlementID")

	link, err := h.config.Memberships.Authorize(r.Context(), userID, entitlementID)
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrMembershipNotFound), errors.Is(err, membership.ErrNotEntitled):
			h.writeJSON(w, http.StatusForbidden, AuthorizeResponse{Authorized: false})
		default:
			h.handleError(w, r, err, http.StatusServiceUnavailable)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, AuthorizeResponse{
		Authorized: true,
		Kind:       string(link.Kind),
		LinkedID:   link.LinkedID,
	})
}

// CreatePortalSession creates a provider customer portal session.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req PortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	session, err := h.config.Memberships.CreatePortalSession(r.Context(), userID, req.ReturnURL)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, PortalResponse{URL: session.URL})
}

func usageResponse(rec *membership.UsageRecord) UsageResponse {
	return UsageResponse{
		UserID:        rec.UserID,
		EntitlementID: rec.EntitlementID,
		Quantity:      rec.Quantity,
		Timestamp:     rec.Timestamp,
		RecordID:      rec.LinkedProviderUsageRecordID,
		BilledAt:      rec.LinkedProviderUsageTimestamp,
	}
}

// readBody reads the request body under the configured size cap and rejects
// empty payloads.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("payload exceeds %d bytes", maxErr.Limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return body, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.config.Logger.Error("failed to encode response",
			membership.LogField{Key: "error", Value: err.Error()})
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	h.writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}
