package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/crystal-atelier/api/internal/platform/auth"
	"github.com/crystal-atelier/api/internal/platform/httpx"
	"github.com/crystal-atelier/api/internal/services"
)

const maxStatusRequestBody = 8 * 1024

type statusTransitionRequest struct {
	Status         string `json:"status"`
	Note           string `json:"note,omitempty"`
	ExpectedStatus string `json:"expectedStatus,omitempty"`
}

// AdminOrderHandlers lets shop staff move orders through their lifecycle.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	images ImageURLSigner
}

// NewAdminOrderHandlers constructs the admin order handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, images ImageURLSigner) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders, images: images}
}

// Routes registers the /admin order endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Patch("/orders/{orderId}/status", h.updateStatus)
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor := ""
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		actor = identity.UID
	}
	transitionStatus(w, r, h.orders, h.images, actor)
}

// InternalOrderHandlers serves status changes made by automated processes. The group is
// expected to sit behind OIDC verification.
type InternalOrderHandlers struct {
	orders services.OrderService
	images ImageURLSigner
}

// NewInternalOrderHandlers constructs the internal order handlers.
func NewInternalOrderHandlers(orders services.OrderService, images ImageURLSigner) *InternalOrderHandlers {
	return &InternalOrderHandlers{orders: orders, images: images}
}

// Routes registers the /internal order endpoints.
func (h *InternalOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderId}/status", h.updateStatus)
}

func (h *InternalOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor := "system"
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok {
		actor = "service:" + firstNonEmpty(svc.Email, svc.Subject)
	}
	transitionStatus(w, r, h.orders, h.images, actor)
}

func transitionStatus(w http.ResponseWriter, r *http.Request, orders services.OrderService, images ImageURLSigner, actor string) {
	ctx := r.Context()
	if orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req statusTransitionRequest
	if err := decodeJSONBody(r, maxStatusRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest).
			WithDetails(map[string]any{"field": "status"}))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      strings.TrimSpace(chi.URLParam(r, "orderId")),
		TargetStatus: req.Status,
		Note:         req.Note,
		ActorID:      actor,
	}
	if expected := strings.ToLower(strings.TrimSpace(req.ExpectedStatus)); expected != "" {
		status := services.OrderStatus(expected)
		cmd.ExpectedStatus = &status
	}

	order, err := orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(ctx, images, order))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
