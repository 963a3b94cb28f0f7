package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/payment"
)

const checksumHeader = "X-VERIFY"

type InitiatePaymentRequest struct {
	MobileNumber string `json:"mobile_number" validate:"omitempty,len=10,numeric"`
}

type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"max=500"`
}

type PaymentHandler struct {
	service  payment.Service
	validate *validator.Validate
}

func NewPaymentHandler(service payment.Service) *PaymentHandler {
	return &PaymentHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *PaymentHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders/{orderID}/payment", h.handleInitiate)
	router.Post("/orders/{orderID}/payment/reconcile", h.handleReconcile)
	router.Post("/orders/{orderID}/refund", h.handleRefund)
	router.Post("/webhooks/payment", h.handleWebhook)
}

func (h *PaymentHandler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	var req InitiatePaymentRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	initiation, err := h.service.InitiatePayment(r.Context(), orderID, req.MobileNumber)
	if err != nil {
		respondWithServiceError(w, err, "Failed to initiate payment")
		return
	}

	respondWithJSON(w, http.StatusOK, initiation)
}

func (h *PaymentHandler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	o, err := h.service.ReconcileStatus(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to check payment status")
		return
	}

	respondWithJSON(w, http.StatusOK, o)
}

func (h *PaymentHandler) handleRefund(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	var req RefundRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	refund, err := h.service.Refund(r.Context(), orderID, req.Amount, req.Reason)
	if err != nil {
		respondWithServiceError(w, err, "Failed to refund payment")
		return
	}

	respondWithJSON(w, http.StatusCreated, refund)
}

// handleWebhook answers 200 for applied and already-applied callbacks, 400
// for callbacks that will never be accepted and 500 when the provider should
// retry. Error details are never echoed back.
func (h *PaymentHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read payment callback body")
		respondWithError(w, http.StatusBadRequest, "invalid callback")
		return
	}

	err = h.service.HandleWebhook(r.Context(), body, r.Header.Get(checksumHeader))
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, apperr.ErrAuthenticationFailed),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrInvariantViolation):
		respondWithError(w, http.StatusBadRequest, "invalid callback")
	default:
		log.Error().Err(err).Msg("Failed to process payment callback")
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
