// Package shipping books shipments with the courier, tracks them and checks
// whether a pincode is serviceable.
package shipping

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/config"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/upstream"
)

const (
	providerName        = "delhivery"
	createPath          = "/api/cmu/create.json"
	trackPath           = "/api/v1/packages/json/"
	serviceabilityPath  = "/c/api/pin-codes/json/"
	paymentModePrepaid  = "Prepaid"
	paymentModeCOD      = "COD"
	serviceableFlagTrue = "Y"
)

// The courier reports local times without an offset.
var courierZone = time.FixedZone("IST", 5*60*60+30*60)

var courierTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04:05.000", "2006-01-02"}

func parseCourierTime(v string) (time.Time, bool) {
	for _, layout := range courierTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, courierZone); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type ShipmentRequest struct {
	OrderNumber  string
	Name         string
	Address      string
	City         string
	State        string
	Pincode      string
	Country      string
	Phone        string
	COD          bool
	Total        decimal.Decimal
	ProductsDesc string
	Quantity     int
}

type Shipment struct {
	Waybill     string
	OrderNumber string
	Status      string
}

type Scan struct {
	Status       string `json:"status"`
	Location     string `json:"location"`
	Instructions string `json:"instructions,omitempty"`
	At           string `json:"at"`
}

type TrackingInfo struct {
	Waybill   string     `json:"waybill"`
	Status    string     `json:"status"`
	Location  string     `json:"location"`
	UpdatedAt string     `json:"updated_at"`
	ETA       *time.Time `json:"eta,omitempty"`
	Scans     []Scan     `json:"scans"`
}

type Serviceability struct {
	Pincode     string `json:"pincode"`
	Serviceable bool   `json:"serviceable"`
	Prepaid     bool   `json:"prepaid"`
	COD         bool   `json:"cod"`
	Pickup      bool   `json:"pickup"`
	ETADays     int    `json:"eta_days,omitempty"`
	District    string `json:"district,omitempty"`
	State       string `json:"state,omitempty"`
}

type Client struct {
	cfg    config.ShippingConfig
	caller *upstream.Caller
}

func NewClient(cfg config.ShippingConfig, observer upstream.Observer) *Client {
	return &Client{
		cfg:    cfg,
		caller: upstream.NewCaller(providerName, cfg.Timeout, observer),
	}
}

type createResponse struct {
	Success  bool   `json:"success"`
	Remark   string `json:"rmk"`
	Packages []struct {
		Waybill string   `json:"waybill"`
		RefNum  string   `json:"refnum"`
		Status  string   `json:"status"`
		Remarks []string `json:"remarks"`
	} `json:"packages"`
}

// CreateShipment books one package. The courier expects a form body with the
// shipment document as JSON in the data field.
func (c *Client) CreateShipment(ctx context.Context, in ShipmentRequest) (*Shipment, error) {
	mode := paymentModePrepaid
	codAmount := decimal.Zero
	if in.COD {
		mode = paymentModeCOD
		codAmount = in.Total
	}

	doc := map[string]any{
		"shipments": []map[string]any{{
			"name":          in.Name,
			"add":           in.Address,
			"pin":           in.Pincode,
			"city":          in.City,
			"state":         in.State,
			"country":       in.Country,
			"phone":         in.Phone,
			"order":         in.OrderNumber,
			"payment_mode":  mode,
			"total_amount":  in.Total.StringFixed(2),
			"cod_amount":    codAmount.StringFixed(2),
			"products_desc": in.ProductsDesc,
			"quantity":      in.Quantity,
			"waybill":       "",
		}},
		"pickup_location": map[string]string{"name": c.cfg.PickupLocation},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("shipping: failed to encode shipment: %w", err)
	}
	form := url.Values{"format": {"json"}, "data": {string(data)}}.Encode()

	resp, err := c.caller.Do(ctx, "create", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+createPath, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		c.authorize(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var out createResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, apperr.Upstream(providerName, fmt.Errorf("invalid create response (status %d): %w", resp.StatusCode, err))
	}
	if !out.Success || len(out.Packages) == 0 || out.Packages[0].Waybill == "" {
		reason := out.Remark
		if len(out.Packages) > 0 && len(out.Packages[0].Remarks) > 0 {
			reason = strings.Join(out.Packages[0].Remarks, "; ")
		}
		return nil, apperr.Upstream(providerName, fmt.Errorf("shipment rejected: %s", reason))
	}

	pkg := out.Packages[0]
	return &Shipment{Waybill: pkg.Waybill, OrderNumber: pkg.RefNum, Status: pkg.Status}, nil
}

type trackResponse struct {
	ShipmentData []struct {
		Shipment struct {
			AWB                  string `json:"AWB"`
			ExpectedDeliveryDate string `json:"ExpectedDeliveryDate"`
			PromisedDeliveryDate string `json:"PromisedDeliveryDate"`
			Status               struct {
				Status         string `json:"Status"`
				StatusLocation string `json:"StatusLocation"`
				StatusDateTime string `json:"StatusDateTime"`
			} `json:"Status"`
			Scans []struct {
				ScanDetail struct {
					Scan            string `json:"Scan"`
					ScanDateTime    string `json:"ScanDateTime"`
					ScannedLocation string `json:"ScannedLocation"`
					Instructions    string `json:"Instructions"`
				} `json:"ScanDetail"`
			} `json:"Scans"`
		} `json:"Shipment"`
	} `json:"ShipmentData"`
}

func (c *Client) Track(ctx context.Context, waybill string) (*TrackingInfo, error) {
	query := url.Values{"waybill": {waybill}}.Encode()

	resp, err := c.caller.Do(ctx, "track", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+trackPath+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Upstream(providerName, fmt.Errorf("track returned status %d", resp.StatusCode))
	}

	var out trackResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, apperr.Upstream(providerName, fmt.Errorf("invalid track response: %w", err))
	}
	if len(out.ShipmentData) == 0 {
		return nil, fmt.Errorf("%w: waybill %s", ErrShipmentNotFound, waybill)
	}

	s := out.ShipmentData[0].Shipment
	info := &TrackingInfo{
		Waybill:   s.AWB,
		Status:    s.Status.Status,
		Location:  s.Status.StatusLocation,
		UpdatedAt: s.Status.StatusDateTime,
		Scans:     make([]Scan, 0, len(s.Scans)),
	}
	for _, v := range []string{s.ExpectedDeliveryDate, s.PromisedDeliveryDate} {
		if eta, ok := parseCourierTime(v); ok {
			info.ETA = &eta
			break
		}
	}
	for _, scan := range s.Scans {
		info.Scans = append(info.Scans, Scan{
			Status:       scan.ScanDetail.Scan,
			Location:     scan.ScanDetail.ScannedLocation,
			Instructions: scan.ScanDetail.Instructions,
			At:           scan.ScanDetail.ScanDateTime,
		})
	}
	return info, nil
}

type serviceabilityResponse struct {
	DeliveryCodes []struct {
		PostalCode struct {
			Pin       json.Number `json:"pin"`
			PrePaid   string      `json:"pre_paid"`
			COD       string      `json:"cod"`
			Pickup    string      `json:"pickup"`
			District  string      `json:"district"`
			StateCode string      `json:"state_code"`
		} `json:"postal_code"`
	} `json:"delivery_codes"`
}

// CheckServiceability reports an unknown pincode as not serviceable rather
// than as an error.
func (c *Client) CheckServiceability(ctx context.Context, pincode string) (*Serviceability, error) {
	query := url.Values{"filter_codes": {pincode}}.Encode()

	resp, err := c.caller.Do(ctx, "serviceability", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+serviceabilityPath+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Upstream(providerName, fmt.Errorf("serviceability returned status %d", resp.StatusCode))
	}

	var out serviceabilityResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, apperr.Upstream(providerName, fmt.Errorf("invalid serviceability response: %w", err))
	}

	result := &Serviceability{Pincode: pincode}
	if len(out.DeliveryCodes) == 0 {
		return result, nil
	}

	pc := out.DeliveryCodes[0].PostalCode
	result.Prepaid = pc.PrePaid == serviceableFlagTrue
	result.COD = pc.COD == serviceableFlagTrue
	result.Pickup = pc.Pickup == serviceableFlagTrue
	result.Serviceable = result.Prepaid || result.COD
	if result.Serviceable {
		// The pincode API carries no transit time; quote the configured one.
		result.ETADays = c.cfg.DefaultETADays
	}
	result.District = pc.District
	result.State = pc.StateCode
	return result, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
}
