package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/platform/auth"
	"github.com/crystal-atelier/api/internal/platform/httpx"
	"github.com/crystal-atelier/api/internal/platform/pagination"
	"github.com/crystal-atelier/api/internal/platform/requestctx"
	"github.com/crystal-atelier/api/internal/repositories"
	"github.com/crystal-atelier/api/internal/services"
)

const maxOrderRequestBody = 64 * 1024

var orderPageOptions = pagination.Options{DefaultPageSize: 20, MaxPageSize: 50}

// ImageURLSigner turns stored image references into URLs a browser can fetch.
type ImageURLSigner interface {
	SignImageURL(ctx context.Context, ref string) (string, error)
}

// OrderHandlers serves checkout and order lookups for shoppers.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
	images      ImageURLSigner
	lookups     *windowLimiter
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency guards order creation with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithOrderImageSigner signs line item images in responses.
func WithOrderImageSigner(signer ImageURLSigner) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.images = signer
	}
}

// WithOrderLookupLimit caps email lookups per client address. A zero limit disables it.
func WithOrderLookupLimit(limit int, window time.Duration, clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.lookups = newWindowLimiter(limit, window, clock)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	create := r
	if h.idempotency != nil {
		create = r.With(h.idempotency)
	}
	create.Post("/", h.placeOrder)
	r.With(limitByClient(h.lookups)).Get("/", h.listOrdersByEmail)
	r.With(limitByClient(h.lookups)).Get("/{orderId}", h.getOrder)
}

type orderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type contactRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	City     string `json:"city"`
}

type cardRequest struct {
	Number string `json:"number"`
	Expiry string `json:"expiry"`
}

type placeOrderRequest struct {
	Items         []orderItemRequest `json:"items"`
	Contact       contactRequest     `json:"contact"`
	PaymentMethod string             `json:"paymentMethod"`
	Card          *cardRequest       `json:"card,omitempty"`
	Total         decimal.Decimal    `json:"total"`
	Locale        string             `json:"locale,omitempty"`
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req placeOrderRequest
	if err := decodeJSONBody(r, maxOrderRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	cmd := services.PlaceOrderCommand{
		Items: make([]services.OrderItemInput, 0, len(req.Items)),
		Contact: services.ContactInfo{
			FullName: req.Contact.FullName,
			Email:    req.Contact.Email,
			Phone:    req.Contact.Phone,
			Address:  req.Contact.Address,
			City:     req.Contact.City,
		},
		PaymentMethod: services.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Total:         req.Total,
		Locale:        strings.TrimSpace(req.Locale),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.OrderItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	if req.Card != nil {
		cmd.Card = &services.CardInfo{Number: req.Card.Number, Expiry: req.Card.Expiry}
	}
	if cmd.Locale == "" {
		cmd.Locale = requestctx.Locale(ctx)
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		external := identity.External(ctx)
		cmd.Identity = &external
		cmd.ActorID = identity.UID
	}

	order, err := h.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, h.buildOrderPayload(ctx, order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)
	if !canViewOrder(order, identity, r.URL.Query().Get("email")) {
		// Same answer as a missing order so ids cannot be probed.
		writeOrderError(ctx, w, services.ErrOrderNotFound)
		return
	}

	writeJSONResponse(w, http.StatusOK, h.buildOrderPayload(ctx, order))
}

func (h *OrderHandlers) listOrdersByEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	email := services.NormaliseEmail(r.URL.Query().Get("email"))
	if email == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "email is required", http.StatusBadRequest).
			WithDetails(map[string]any{"field": "email"}))
		return
	}

	page, ok := parseOrderPage(ctx, w, r)
	if !ok {
		return
	}

	result, err := h.orders.ListOrders(ctx, services.OrderListFilter{Email: email, Pagination: page})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, h.buildOrderListPayload(ctx, result))
}

// canViewOrder allows the registered owner, staff, and anyone who knows the contact email.
func canViewOrder(order services.Order, identity *auth.Identity, email string) bool {
	if identity != nil {
		if identity.IsStaff() {
			return true
		}
		if order.Customer.Type == domain.CustomerTypeRegistered && order.Customer.ID == identity.UID {
			return true
		}
	}
	email = services.NormaliseEmail(email)
	return email != "" && email == services.NormaliseEmail(order.Contact.Email)
}

func parseOrderPage(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.Pagination, bool) {
	params, err := pagination.FromRequest(r, orderPageOptions)
	if err != nil {
		field := "pageToken"
		if errors.Is(err, pagination.ErrInvalidPageSize) {
			field = "pageSize"
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"field": field}))
		return services.Pagination{}, false
	}
	return services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, true
}

type orderItemPayload struct {
	ProductID string            `json:"productId"`
	Name      map[string]string `json:"name"`
	UnitPrice string            `json:"unitPrice"`
	Quantity  int               `json:"quantity"`
	Subtotal  string            `json:"subtotal"`
	ImageURL  string            `json:"imageUrl,omitempty"`
}

type contactPayload struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	City     string `json:"city"`
}

type paymentPayload struct {
	Method       string `json:"method"`
	MaskedNumber string `json:"maskedNumber,omitempty"`
	Expiry       string `json:"expiry,omitempty"`
}

type timelinePayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Note   string `json:"note,omitempty"`
}

type customerRefPayload struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type orderPayload struct {
	ID          string             `json:"id"`
	OrderNumber string             `json:"orderNumber"`
	Status      string             `json:"status"`
	Currency    string             `json:"currency"`
	Items       []orderItemPayload `json:"items"`
	Total       string             `json:"total"`
	Contact     contactPayload     `json:"contact"`
	Payment     paymentPayload     `json:"payment"`
	Customer    customerRefPayload `json:"customer"`
	Locale      string             `json:"locale,omitempty"`
	Timeline    []timelinePayload  `json:"timeline"`
	Version     int                `json:"version"`
	CreatedAt   string             `json:"createdAt"`
	UpdatedAt   string             `json:"updatedAt"`
}

type orderListPayload struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) buildOrderListPayload(ctx context.Context, page domain.CursorPage[services.Order]) orderListPayload {
	return buildOrderListPayload(ctx, h.images, page)
}

func (h *OrderHandlers) buildOrderPayload(ctx context.Context, order services.Order) orderPayload {
	return buildOrderPayload(ctx, h.images, order)
}

func buildOrderListPayload(ctx context.Context, images ImageURLSigner, page domain.CursorPage[services.Order]) orderListPayload {
	payload := orderListPayload{Items: make([]orderPayload, 0, len(page.Items)), NextPageToken: page.NextPageToken}
	for _, order := range page.Items {
		payload.Items = append(payload.Items, buildOrderPayload(ctx, images, order))
	}
	return payload
}

func buildOrderPayload(ctx context.Context, images ImageURLSigner, order services.Order) orderPayload {
	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Items:       make([]orderItemPayload, 0, len(order.Items)),
		Total:       order.Total.StringFixed(2),
		Contact: contactPayload{
			FullName: order.Contact.FullName,
			Email:    order.Contact.Email,
			Phone:    order.Contact.Phone,
			Address:  order.Contact.Address,
			City:     order.Contact.City,
		},
		Payment:   paymentPayload{Method: string(order.PaymentMethod)},
		Customer:  customerRefPayload{Type: string(order.Customer.Type), ID: order.Customer.ID},
		Locale:    order.Locale,
		Timeline:  make([]timelinePayload, 0, len(order.Timeline)),
		Version:   order.Version,
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
	}
	if order.Payment != nil {
		payload.Payment.MaskedNumber = order.Payment.MaskedNumber
		payload.Payment.Expiry = order.Payment.Expiry
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      map[string]string{"en": item.Name.EN, "ar": item.Name.AR},
			UnitPrice: item.UnitPrice.StringFixed(2),
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal().StringFixed(2),
			ImageURL:  signImage(ctx, images, item.ImageURL),
		})
	}
	for _, entry := range order.Timeline {
		payload.Timeline = append(payload.Timeline, timelinePayload{
			Status: string(entry.Status),
			At:     formatTime(entry.At),
			Note:   entry.Note,
		})
	}
	return payload
}

func signImage(ctx context.Context, images ImageURLSigner, ref string) string {
	if images == nil || ref == "" {
		return ref
	}
	signed, err := images.SignImageURL(ctx, ref)
	if err != nil {
		requestctx.Logger(ctx).Sugar().Warnw("order image not signed", "ref", ref, "error", err)
		return ""
	}
	return signed
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func decodeJSONBody(r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var validation *services.ValidationError
	var stock *services.StockError
	switch {
	case errors.As(err, &validation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", validation.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"field": validation.Field}))
		return
	case errors.Is(err, services.ErrInsufficientStock):
		apiErr := httpx.NewError("insufficient_stock", "not enough stock for the requested quantity", http.StatusConflict)
		if errors.As(err, &stock) {
			apiErr = apiErr.WithDetails(map[string]any{
				"productId": stock.ProductID,
				"requested": stock.Requested,
				"available": stock.Available,
			})
		}
		httpx.WriteError(ctx, w, apiErr)
		return
	case errors.Is(err, services.ErrProductNotFound):
		apiErr := httpx.NewError("product_not_found", "product not found", http.StatusNotFound)
		if errors.As(err, &stock) {
			apiErr = apiErr.WithDetails(map[string]any{"productId": stock.ProductID})
		}
		httpx.WriteError(ctx, w, apiErr)
		return
	case errors.Is(err, services.ErrInvalidRequest):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrCustomerNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("customer_not_found", "customer not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrInvalidStatus):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
		return
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order storage unavailable", http.StatusServiceUnavailable))
		return
	}

	requestctx.Logger(ctx).Sugar().Errorw("order request failed", "error", err)
	if errors.Is(err, services.ErrOrderCreationFailed) {
		httpx.WriteError(ctx, w, httpx.NewError("order_creation_failed", "order could not be placed", http.StatusInternalServerError))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
}
