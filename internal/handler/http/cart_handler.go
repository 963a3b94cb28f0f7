package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/cart"
)

type VariantRequest struct {
	Name   string `json:"name" validate:"required,max=50"`
	Option string `json:"option" validate:"required,max=50"`
}

func (v *VariantRequest) toVariant() *cart.Variant {
	if v == nil {
		return nil
	}
	return &cart.Variant{Name: v.Name, Option: v.Option}
}

type AddItemRequest struct {
	ProductID string          `json:"product_id" validate:"required,uuid"`
	Quantity  int             `json:"quantity" validate:"required,min=1,max=1000"`
	Variant   *VariantRequest `json:"variant,omitempty"`
}

type UpdateQuantityRequest struct {
	Quantity int             `json:"quantity" validate:"min=0,max=1000"`
	Variant  *VariantRequest `json:"variant,omitempty"`
}

type ApplyCouponRequest struct {
	Code string `json:"code" validate:"required,max=50"`
}

type SetShippingRequest struct {
	Method string `json:"method" validate:"required,max=32"`
}

type CartHandler struct {
	service  cart.Service
	validate *validator.Validate
}

func NewCartHandler(service cart.Service) *CartHandler {
	return &CartHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *CartHandler) RegisterRoutes(router chi.Router) {
	router.Route("/users/{userID}/cart", func(r chi.Router) {
		r.Get("/", h.handleGetCart)
		r.Delete("/", h.handleClearCart)
		r.Post("/items", h.handleAddItem)
		r.Put("/items/{productID}", h.handleUpdateQuantity)
		r.Delete("/items/{productID}", h.handleRemoveItem)
		r.Post("/coupon", h.handleApplyCoupon)
		r.Delete("/coupon", h.handleRemoveCoupon)
		r.Put("/shipping", h.handleSetShipping)
	})
}

func (h *CartHandler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	c, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to get cart")
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	var req AddItemRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	c, err := h.service.AddItem(r.Context(), userID, uuid.FromStringOrNil(req.ProductID), req.Quantity, req.Variant.toVariant())
	if err != nil {
		respondWithServiceError(w, err, "Failed to add item to cart")
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleUpdateQuantity(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}
	productID, ok := parseUUIDParam(w, r, "productID")
	if !ok {
		return
	}

	var req UpdateQuantityRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	c, err := h.service.UpdateQuantity(r.Context(), userID, productID, req.Variant.toVariant(), req.Quantity)
	if err != nil {
		respondWithServiceError(w, err, "Failed to update cart item")
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}
	productID, ok := parseUUIDParam(w, r, "productID")
	if !ok {
		return
	}

	var variant *cart.Variant
	query := r.URL.Query()
	if name, option := query.Get("variant_name"), query.Get("variant_option"); name != "" || option != "" {
		variant = &cart.Variant{Name: name, Option: option}
	}

	c, err := h.service.RemoveItem(r.Context(), userID, productID, variant)
	if err != nil {
		respondWithServiceError(w, err, "Failed to remove cart item")
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	c, err := h.service.Clear(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to clear cart")
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleApplyCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	var req ApplyCouponRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	c, err := h.service.ApplyCoupon(r.Context(), userID, req.Code)
	if err != nil {
		respondWithServiceError(w, err, "Failed to apply coupon")
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleRemoveCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	c, err := h.service.RemoveCoupon(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to remove coupon")
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleSetShipping(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	var req SetShippingRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	c, err := h.service.SetShipping(r.Context(), userID, req.Method)
	if err != nil {
		respondWithServiceError(w, err, "Failed to set shipping method")
		return
	}

	respondWithJSON(w, http.StatusOK, c)
}
