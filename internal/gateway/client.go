// Package gateway talks to the payment provider: pay-page initiation, status
// checks, refunds and server-to-server callbacks. Amounts cross this
// boundary in minor units and are converted here.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/config"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/money"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/upstream"
)

const (
	providerName = "phonepe"
	payPath      = "/pg/v1/pay"
	statusPath   = "/pg/v1/status"
	refundPath   = "/pg/v1/refund"
)

var (
	ErrMalformedCallback = fmt.Errorf("%w: malformed payment callback", apperr.ErrValidation)
	ErrMerchantMismatch  = fmt.Errorf("%w: merchant id mismatch", apperr.ErrAuthenticationFailed)
)

// Outcome is the provider state reduced to what the order cares about.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

func ParseState(state string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "COMPLETED", "SUCCESS", "PAYMENT_SUCCESS":
		return OutcomeCompleted
	case "FAILED", "DECLINED", "PAYMENT_ERROR", "PAYMENT_DECLINED":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

type InitiateRequest struct {
	MerchantTransactionID string
	MerchantUserID        string
	Amount                decimal.Decimal
	MobileNumber          string
}

type InitiateResponse struct {
	MerchantTransactionID string
	PaymentURL            string
}

// Result is a payment state reported by the provider, either through the
// status API or a callback.
type Result struct {
	MerchantID            string
	MerchantTransactionID string
	TransactionID         string
	Amount                decimal.Decimal
	State                 string
	Outcome               Outcome
	ResponseCode          string
	ResponseMessage       string
}

type RefundRequest struct {
	MerchantRefundID      string
	OriginalTransactionID string
	MerchantUserID        string
	Amount                decimal.Decimal
}

type RefundResult struct {
	RefundID string
	Outcome  Outcome
	State    string
}

type Client struct {
	cfg    config.PaymentConfig
	signer Signer
	caller *upstream.Caller
}

func NewClient(cfg config.PaymentConfig, observer upstream.Observer) *Client {
	return &Client{
		cfg:    cfg,
		signer: NewSigner(cfg.SaltKey, cfg.SaltIndex),
		caller: upstream.NewCaller(providerName, cfg.Timeout, observer),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paymentData struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	TransactionID         string `json:"transactionId"`
	Amount                int64  `json:"amount"`
	State                 string `json:"state"`
	ResponseCode          string `json:"responseCode"`
	ResponseMessage       string `json:"responseCodeDescription"`
}

func (c *Client) Initiate(ctx context.Context, in InitiateRequest) (*InitiateResponse, error) {
	amount, err := money.ToMinor(in.Amount)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"merchantId":            c.cfg.MerchantID,
		"merchantTransactionId": in.MerchantTransactionID,
		"merchantUserId":        in.MerchantUserID,
		"amount":                amount,
		"redirectUrl":           c.cfg.RedirectURL,
		"redirectMode":          "REDIRECT",
		"callbackUrl":           c.cfg.CallbackURL,
		"paymentInstrument":     map[string]string{"type": "PAY_PAGE"},
	}
	if in.MobileNumber != "" {
		payload["mobileNumber"] = in.MobileNumber
	}

	env, err := c.post(ctx, "initiate", payPath, payload)
	if err != nil {
		return nil, err
	}

	var data struct {
		MerchantTransactionID string `json:"merchantTransactionId"`
		InstrumentResponse    struct {
			RedirectInfo struct {
				URL string `json:"url"`
			} `json:"redirectInfo"`
		} `json:"instrumentResponse"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.InstrumentResponse.RedirectInfo.URL == "" {
		return nil, apperr.Upstream(providerName, fmt.Errorf("initiate response has no redirect url"))
	}

	return &InitiateResponse{
		MerchantTransactionID: in.MerchantTransactionID,
		PaymentURL:            data.InstrumentResponse.RedirectInfo.URL,
	}, nil
}

func (c *Client) VerifyStatus(ctx context.Context, merchantTransactionID string) (*Result, error) {
	path := fmt.Sprintf("%s/%s/%s", statusPath, c.cfg.MerchantID, merchantTransactionID)

	resp, err := c.caller.Do(ctx, "status", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-VERIFY", c.signer.Sign("", path))
		req.Header.Set("X-MERCHANT-ID", c.cfg.MerchantID)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}

	var data paymentData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperr.Upstream(providerName, fmt.Errorf("invalid status data: %w", err))
	}
	if data.Amount < 0 {
		return nil, apperr.Upstream(providerName, fmt.Errorf("negative amount %d", data.Amount))
	}

	return resultFrom(env, data), nil
}

func (c *Client) Refund(ctx context.Context, in RefundRequest) (*RefundResult, error) {
	amount, err := money.ToMinor(in.Amount)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"merchantId":            c.cfg.MerchantID,
		"merchantUserId":        in.MerchantUserID,
		"originalTransactionId": in.OriginalTransactionID,
		"merchantTransactionId": in.MerchantRefundID,
		"amount":                amount,
		"callbackUrl":           c.cfg.CallbackURL,
	}

	env, err := c.post(ctx, "refund", refundPath, payload)
	if err != nil {
		return nil, err
	}

	var data paymentData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperr.Upstream(providerName, fmt.Errorf("invalid refund data: %w", err))
	}

	state := data.State
	if state == "" {
		state = env.Code
	}
	return &RefundResult{RefundID: data.TransactionID, Outcome: ParseState(state), State: state}, nil
}

// DecodeCallback authenticates and decodes a server-to-server callback. body
// is the raw request body, {"response": "<base64>"}, and xVerify the X-VERIFY
// header. Nothing is trusted before the checksum and merchant id match.
func (c *Client) DecodeCallback(body []byte, xVerify string) (*Result, error) {
	var wrapper struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Response == "" {
		return nil, ErrMalformedCallback
	}

	if err := c.signer.Verify(wrapper.Response, xVerify); err != nil {
		return nil, err
	}

	decoded, err := base64.StdEncoding.DecodeString(wrapper.Response)
	if err != nil {
		return nil, ErrMalformedCallback
	}

	var env envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return nil, ErrMalformedCallback
	}
	var data paymentData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, ErrMalformedCallback
	}

	if data.MerchantID != c.cfg.MerchantID {
		return nil, ErrMerchantMismatch
	}
	if data.MerchantTransactionID == "" || data.Amount < 0 {
		return nil, ErrMalformedCallback
	}

	return resultFrom(&env, data), nil
}

func (c *Client) post(ctx context.Context, operation, path string, payload any) (*envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to encode %s payload: %w", operation, err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	body, err := json.Marshal(map[string]string{"request": encoded})
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to encode %s body: %w", operation, err)
	}

	resp, err := c.caller.Do(ctx, operation, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-VERIFY", c.signer.Sign(encoded, path))
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	return decodeEnvelope(resp)
}

func decodeEnvelope(resp *upstream.Response) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, apperr.Upstream(providerName, fmt.Errorf("invalid response (status %d): %w", resp.StatusCode, err))
	}
	if !env.Success && ParseState(env.Code) != OutcomeFailed {
		log.Warn().Int("status", resp.StatusCode).Str("code", env.Code).Str("message", env.Message).Msg("gateway: provider rejected request")
		return nil, apperr.Upstream(providerName, fmt.Errorf("request rejected: %s", env.Code))
	}
	return &env, nil
}

func resultFrom(env *envelope, data paymentData) *Result {
	state := data.State
	if state == "" {
		state = env.Code
	}
	responseMessage := data.ResponseMessage
	if responseMessage == "" {
		responseMessage = env.Message
	}

	return &Result{
		MerchantID:            data.MerchantID,
		MerchantTransactionID: data.MerchantTransactionID,
		TransactionID:         data.TransactionID,
		Amount:                money.FromMinor(data.Amount),
		State:                 state,
		Outcome:               ParseState(state),
		ResponseCode:          data.ResponseCode,
		ResponseMessage:       responseMessage,
	}
}
