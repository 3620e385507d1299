package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crystal-atelier/api/internal/platform/httpx"
	"github.com/crystal-atelier/api/internal/services"
)

const maxWebhookBody = 16 * 1024

// IdentityWebhookHandlers receives account events from the identity provider. Signature checks
// run in the /webhooks group middleware.
type IdentityWebhookHandlers struct {
	customers services.CustomerResolver
}

// NewIdentityWebhookHandlers constructs the identity webhook handlers.
func NewIdentityWebhookHandlers(customers services.CustomerResolver) *IdentityWebhookHandlers {
	return &IdentityWebhookHandlers{customers: customers}
}

// Routes registers the identity callback routes.
func (h *IdentityWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/identity/accounts", h.syncAccount)
}

type accountEventRequest struct {
	ExternalID string `json:"externalId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

func (h *IdentityWebhookHandlers) syncAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("customer_service_unavailable", "customer service unavailable", http.StatusServiceUnavailable))
		return
	}

	// Providers add fields over time; unknown ones are ignored.
	var req accountEventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	customer, err := h.customers.SyncAccount(ctx, services.ExternalIdentity{
		ExternalID: req.ExternalID,
		Email:      req.Email,
		Name:       req.Name,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCustomerPayload(customer))
}
