package shipping_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/config"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/shipping"
)

func testConfig(baseURL string) config.ShippingConfig {
	return config.ShippingConfig{
		BaseURL:        baseURL,
		Token:          "secret-token",
		PickupLocation: "WAREHOUSE-1",
		TrackingURL:    "https://track.example/%s",
		Timeout:        time.Second,
		BatchSize:      2,
		DefaultETADays: 5,
	}
}

func TestClient_CreateShipment(t *testing.T) {
	var shipment map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/cmu/create.json", r.URL.Path)
		assert.Equal(t, "Token secret-token", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "json", r.PostForm.Get("format"))

		var doc struct {
			Shipments      []map[string]any  `json:"shipments"`
			PickupLocation map[string]string `json:"pickup_location"`
		}
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("data")), &doc))
		require.Len(t, doc.Shipments, 1)
		shipment = doc.Shipments[0]
		assert.Equal(t, "WAREHOUSE-1", doc.PickupLocation["name"])

		_, _ = io.WriteString(w, `{"success":true,"packages":[{"waybill":"1490810034113","refnum":"ORD-1-ABCDEF","status":"Success","remarks":[]}]}`)
	}))
	defer srv.Close()

	client := shipping.NewClient(testConfig(srv.URL), nil)
	got, err := client.CreateShipment(context.Background(), shipping.ShipmentRequest{
		OrderNumber: "ORD-1-ABCDEF",
		Name:        "Asha Rao",
		Pincode:     "560001",
		COD:         true,
		Total:       decimal.RequireFromString("1112"),
		Quantity:    2,
	})
	require.NoError(t, err)

	assert.Equal(t, "1490810034113", got.Waybill)
	assert.Equal(t, "COD", shipment["payment_mode"])
	assert.Equal(t, "1112.00", shipment["cod_amount"])
	assert.Equal(t, "ORD-1-ABCDEF", shipment["order"])
}

func TestClient_CreateShipment_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"packages":[{"waybill":"","status":"Fail","remarks":["pincode not serviceable"]}]}`)
	}))
	defer srv.Close()

	client := shipping.NewClient(testConfig(srv.URL), nil)
	_, err := client.CreateShipment(context.Background(), shipping.ShipmentRequest{OrderNumber: "ORD-1"})
	require.ErrorIs(t, err, apperr.ErrUpstreamProvider)
	assert.Contains(t, err.Error(), "pincode not serviceable")
}

func TestClient_Track(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/packages/json/", r.URL.Path)
		switch r.URL.Query().Get("waybill") {
		case "1490810034113":
			_, _ = io.WriteString(w, `{"ShipmentData":[{"Shipment":{"AWB":"1490810034113","ExpectedDeliveryDate":"2026-03-05T23:59:59","Status":{"Status":"In Transit","StatusLocation":"Bengaluru_Hub","StatusDateTime":"2026-03-02T10:00:00"},"Scans":[{"ScanDetail":{"Scan":"Manifested","ScanDateTime":"2026-03-01T18:00:00","ScannedLocation":"Bengaluru_Hub"}}]}}]}`)
		default:
			_, _ = io.WriteString(w, `{"ShipmentData":[]}`)
		}
	}))
	defer srv.Close()

	client := shipping.NewClient(testConfig(srv.URL), nil)

	info, err := client.Track(context.Background(), "1490810034113")
	require.NoError(t, err)
	assert.Equal(t, "In Transit", info.Status)
	assert.Equal(t, "Bengaluru_Hub", info.Location)
	require.NotNil(t, info.ETA)
	assert.True(t, time.Date(2026, 3, 5, 18, 29, 59, 0, time.UTC).Equal(*info.ETA), info.ETA.String())
	require.Len(t, info.Scans, 1)
	assert.Equal(t, "Manifested", info.Scans[0].Status)

	_, err = client.Track(context.Background(), "unknown")
	assert.ErrorIs(t, err, shipping.ErrShipmentNotFound)
}

func TestClient_CheckServiceability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/c/api/pin-codes/json/", r.URL.Path)
		if r.URL.Query().Get("filter_codes") == "560001" {
			_, _ = io.WriteString(w, `{"delivery_codes":[{"postal_code":{"pin":560001,"pre_paid":"Y","cod":"N","pickup":"Y","district":"Bangalore","state_code":"KA"}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"delivery_codes":[]}`)
	}))
	defer srv.Close()

	client := shipping.NewClient(testConfig(srv.URL), nil)

	got, err := client.CheckServiceability(context.Background(), "560001")
	require.NoError(t, err)
	assert.Equal(t, &shipping.Serviceability{
		Pincode:     "560001",
		Serviceable: true,
		Prepaid:     true,
		COD:         false,
		Pickup:      true,
		ETADays:     5,
		District:    "Bangalore",
		State:       "KA",
	}, got)

	got, err = client.CheckServiceability(context.Background(), "999999")
	require.NoError(t, err)
	assert.False(t, got.Serviceable)
	assert.Zero(t, got.ETADays)
}

func TestClient_ServerErrorIsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := shipping.NewClient(testConfig(srv.URL), nil)
	_, err := client.Track(context.Background(), "1")
	assert.ErrorIs(t, err, apperr.ErrUpstreamProvider)
}
