package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/platform/auth"
	"github.com/crystal-atelier/api/internal/platform/httpx"
	"github.com/crystal-atelier/api/internal/services"
)

// MeHandlers exposes the signed-in customer's orders and checkout prefill.
type MeHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	customers services.CustomerResolver
	images    ImageURLSigner
}

// NewMeHandlers constructs handlers enforcing Firebase authentication.
func NewMeHandlers(authn *auth.Authenticator, orders services.OrderService, customers services.CustomerResolver, images ImageURLSigner) *MeHandlers {
	return &MeHandlers{
		authn:     authn,
		orders:    orders,
		customers: customers,
		images:    images,
	}
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/orders", h.listOrders)
	r.Get("/customer", h.getCustomer)
}

func (h *MeHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	page, ok := parseOrderPage(ctx, w, r)
	if !ok {
		return
	}
	ref := domain.RegisteredCustomer(identity.UID)
	filter := services.OrderListFilter{Customer: &ref, Pagination: page}
	for _, raw := range r.URL.Query()["status"] {
		for _, value := range strings.Split(raw, ",") {
			if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
				filter.Status = append(filter.Status, services.OrderStatus(value))
			}
		}
	}

	result, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListPayload(ctx, h.images, result))
}

type lastOrderPayload struct {
	OrderID       string         `json:"orderId"`
	Contact       contactPayload `json:"contact"`
	PaymentMethod string         `json:"paymentMethod"`
	At            string         `json:"at"`
}

type customerPayload struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	FullName  string            `json:"fullName"`
	Email     string            `json:"email"`
	Phone     string            `json:"phone,omitempty"`
	Address   string            `json:"address,omitempty"`
	City      string            `json:"city,omitempty"`
	OrderIDs  []string          `json:"orderIds"`
	LastOrder *lastOrderPayload `json:"lastOrder,omitempty"`
	CreatedAt string            `json:"createdAt,omitempty"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

func (h *MeHandlers) getCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("customer_service_unavailable", "customer service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	ref := domain.RegisteredCustomer(identity.UID)
	customer, err := h.customers.GetCustomer(ctx, ref)
	switch {
	case errors.Is(err, services.ErrCustomerNotFound):
		// No order yet: prefill from the identity provider profile.
		external := identity.External(ctx)
		customer = services.Customer{
			Ref:        ref,
			ExternalID: identity.UID,
			FullName:   external.Name,
			Email:      services.NormaliseEmail(external.Email),
		}
	case err != nil:
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildCustomerPayload(customer))
}

func buildCustomerPayload(customer services.Customer) customerPayload {
	payload := customerPayload{
		Type:      string(customer.Ref.Type),
		ID:        customer.Ref.ID,
		FullName:  customer.FullName,
		Email:     customer.Email,
		Phone:     customer.Phone,
		Address:   customer.Address,
		City:      customer.City,
		OrderIDs:  append([]string{}, customer.OrderIDs...),
		CreatedAt: formatTime(customer.CreatedAt),
		UpdatedAt: formatTime(customer.UpdatedAt),
	}
	if last := customer.LastOrder; last != nil {
		payload.LastOrder = &lastOrderPayload{
			OrderID: last.OrderID,
			Contact: contactPayload{
				FullName: last.Contact.FullName,
				Email:    last.Contact.Email,
				Phone:    last.Contact.Phone,
				Address:  last.Contact.Address,
				City:     last.Contact.City,
			},
			PaymentMethod: string(last.PaymentMethod),
			At:            formatTime(last.At),
		}
	}
	return payload
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}
