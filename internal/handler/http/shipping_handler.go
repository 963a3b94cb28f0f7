package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/shipping"
)

type BulkShipmentRequest struct {
	OrderIDs []string `json:"order_ids" validate:"required,min=1,max=100,dive,uuid"`
}

type BulkShipmentResult struct {
	OrderID uuid.UUID    `json:"order_id"`
	Order   *order.Order `json:"order,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type ShippingHandler struct {
	service  shipping.Service
	validate *validator.Validate
}

func NewShippingHandler(service shipping.Service) *ShippingHandler {
	return &ShippingHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *ShippingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders/{orderID}/shipment", h.handleCreateShipment)
	router.Get("/orders/{orderID}/tracking", h.handleTrack)
	router.Post("/shipments/bulk", h.handleBulkShipments)
	router.Get("/shipping/serviceability/{pincode}", h.handleServiceability)
}

func (h *ShippingHandler) handleCreateShipment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	o, err := h.service.CreateShipment(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to create shipment")
		return
	}

	respondWithJSON(w, http.StatusCreated, o)
}

func (h *ShippingHandler) handleTrack(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseUUIDParam(w, r, "orderID")
	if !ok {
		return
	}

	info, err := h.service.Track(r.Context(), orderID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to track shipment")
		return
	}

	respondWithJSON(w, http.StatusOK, info)
}

// handleBulkShipments answers 200 even when some orders failed; each entry
// carries its own outcome.
func (h *ShippingHandler) handleBulkShipments(w http.ResponseWriter, r *http.Request) {
	var req BulkShipmentRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	ids := make([]uuid.UUID, len(req.OrderIDs))
	for i, raw := range req.OrderIDs {
		ids[i] = uuid.FromStringOrNil(raw)
	}

	results, err := h.service.CreateShipments(r.Context(), ids)
	if err != nil {
		respondWithServiceError(w, err, "Failed to create shipments")
		return
	}

	response := make([]BulkShipmentResult, len(results))
	for i, res := range results {
		response[i] = BulkShipmentResult{OrderID: res.OrderID, Order: res.Order}
		if res.Err != nil {
			if mapErrorToStatusCode(res.Err) >= http.StatusInternalServerError {
				response[i].Error = "internal error"
			} else {
				response[i].Error = res.Err.Error()
			}
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"results": response})
}

func (h *ShippingHandler) handleServiceability(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CheckServiceability(r.Context(), chi.URLParam(r, "pincode"))
	if err != nil {
		respondWithServiceError(w, err, "Failed to check serviceability")
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}
