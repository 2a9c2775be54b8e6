package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const PaystackName = "paystack"

// PaystackConfig configures the Paystack client.
type PaystackConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	SecretKey string `mapstructure:"secret_key"`
}

// Paystack talks to the Paystack transaction API. Paystack echoes our
// reference back, so the gateway reference equals the payment reference.
type Paystack struct {
	config PaystackConfig
	client *http.Client
}

func NewPaystack(config PaystackConfig) *Paystack {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.paystack.co"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Paystack{config: config, client: newHTTPClient()}
}

func (p *Paystack) Name() string { return PaystackName }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *Paystack) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.config.SecretKey}
}

func (p *Paystack) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	body := map[string]any{
		"email":        req.Email,
		"amount":       minorUnits(req.Amount),
		"reference":    req.Reference,
		"currency":     req.Currency,
		"callback_url": req.CallbackURL,
		"metadata":     req.Metadata,
	}
	var env paystackEnvelope
	if err := doJSON(ctx, p.client, http.MethodPost, p.config.BaseURL+"/transaction/initialize", p.headers(), body, &env); err != nil {
		return nil, fmt.Errorf("paystack initialize: %w", err)
	}
	if !env.Status {
		return nil, fmt.Errorf("paystack initialize: %w: %s", ErrGatewayRejected, env.Message)
	}
	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack initialize: failed to decode data: %w", err)
	}
	ref := data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &InitResult{AuthorizationURL: data.AuthorizationURL, GatewayReference: ref}, nil
}

func (p *Paystack) Verify(ctx context.Context, gatewayReference string) (*VerifyResult, error) {
	var env paystackEnvelope
	endpoint := p.config.BaseURL + "/transaction/verify/" + url.PathEscape(gatewayReference)
	if err := doJSON(ctx, p.client, http.MethodGet, endpoint, p.headers(), nil, &env); err != nil {
		return nil, fmt.Errorf("paystack verify: %w", err)
	}
	if !env.Status {
		return nil, fmt.Errorf("paystack verify: %w: %s", ErrGatewayRejected, env.Message)
	}
	var data struct {
		Status          string `json:"status"`
		Amount          int64  `json:"amount"`
		Reference       string `json:"reference"`
		GatewayResponse string `json:"gateway_response"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack verify: failed to decode data: %w", err)
	}
	return &VerifyResult{
		Status:           paystackStatus(data.Status),
		Amount:           fromMinorUnits(data.Amount),
		GatewayReference: data.Reference,
		Message:          data.GatewayResponse,
	}, nil
}

func paystackStatus(s string) VerifyStatus {
	switch s {
	case "success":
		return VerifySuccess
	case "failed", "abandoned", "reversed":
		return VerifyFailed
	default:
		return VerifyPending
	}
}

// VerifyPaystackSignature checks x-paystack-signature: hex HMAC-SHA512 of
// the raw body keyed with the secret key.
func VerifyPaystackSignature(secretKey string, body []byte, signature string) error {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePaystackEvent extracts the event from a verified webhook body.
func ParsePaystackEvent(body []byte) (*WebhookEvent, error) {
	var ev struct {
		Event string `json:"event"`
		Data  struct {
			ID        int64  `json:"id"`
			Reference string `json:"reference"`
			Amount    int64  `json:"amount"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("paystack webhook: %w: %w", ErrInvalidPayload, err)
	}
	return &WebhookEvent{
		Gateway:          PaystackName,
		ID:               fmt.Sprintf("%s:%d", ev.Event, ev.Data.ID),
		Type:             ev.Event,
		GatewayReference: ev.Data.Reference,
		Amount:           fromMinorUnits(ev.Data.Amount),
		Actionable:       ev.Event == "charge.success" || ev.Event == "charge.failed",
	}, nil
}

