package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
)

const idempotencyKeyHeader = "Idempotency-Key"

type AddressRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"omitempty,email"`
	Phone   string `json:"phone" validate:"required,min=10,max=15"`
	Line1   string `json:"line1" validate:"required,max=200"`
	Line2   string `json:"line2" validate:"max=200"`
	City    string `json:"city" validate:"required,max=100"`
	State   string `json:"state" validate:"required,max=100"`
	Pincode string `json:"pincode" validate:"required,len=6,numeric"`
	Country string `json:"country" validate:"omitempty,len=2"`
}

type CheckoutRequest struct {
	PaymentMethod  string         `json:"payment_method" validate:"omitempty,oneof=online cod"`
	ShippingMethod string         `json:"shipping_method" validate:"max=32"`
	Address        AddressRequest `json:"address"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed processing shipped delivered cancelled returned"`
	Note   string `json:"note" validate:"max=500"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type OrderHandler struct {
	service  order.Service
	validate *validator.Validate
}

func NewOrderHandler(service order.Service) *OrderHandler {
	return &OrderHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Post("/users/{userID}/checkout", h.handleCheckout)
	router.Get("/users/{userID}/orders", h.handleListOrders)
	router.Get("/orders/{orderID}", h.handleGetOrder)
	router.Put("/orders/{orderID}/status", h.handleUpdateStatus)
	router.Post("/orders/{orderID}/cancel", h.handleCancel)
}

func (h *OrderHandler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	var req CheckoutRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	country := req.Address.Country
	if country == "" {
		country = "IN"
	}

	placed, err := h.service.Checkout(r.Context(), order.CheckoutInput{
		UserID:         userID,
		PaymentMethod:  order.PaymentMethod(req.PaymentMethod),
		ShippingMethod: req.ShippingMethod,
		Address: order.Address{
			Name:    req.Address.Name,
			Email:   req.Address.Email,
			Phone:   req.Address.Phone,
			Line1:   req.Address.Line1,
			Line2:   req.Address.Line2,
			City:    req.Address.City,
			State:   req.Address.State,
			Pincode: req.Address.Pincode,
			Country: country,
		},
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		respondWithServiceError(w, err, "Failed to place order")
		return
	}

	respondWithJSON(w, http.StatusCreated, placed)
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to list orders")
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}

	respondWithJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	o, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to get order")
		return
	}

	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	o, err := h.service.UpdateStatus(r.Context(), orderID, order.Status(req.Status), req.Note, order.ActorAdmin)
	if err != nil {
		respondWithServiceError(w, err, "Failed to update order status")
		return
	}

	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	var req CancelOrderRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	o, err := h.service.Cancel(r.Context(), orderID, req.Reason, order.ActorCustomer)
	if err != nil {
		respondWithServiceError(w, err, "Failed to cancel order")
		return
	}

	respondWithJSON(w, http.StatusOK, o)
}
