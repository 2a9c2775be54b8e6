package payments

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const RemitaName = "remita"

type RemitaConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	MerchantID    string `mapstructure:"merchant_id"`
	ServiceTypeID string `mapstructure:"service_type_id"`
	APIKey        string `mapstructure:"api_key"`
}

// Remita issues a Remita Retrieval Reference (RRR) per payment. The RRR is
// the gateway reference. Remita webhooks are unsigned, so every
// notification is confirmed with a status query before it is trusted.
type Remita struct {
	config RemitaConfig
	client *http.Client
}

func NewRemita(config RemitaConfig) *Remita {
	if config.BaseURL == "" {
		config.BaseURL = "https://login.remita.net"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Remita{config: config, client: newHTTPClient()}
}

func (r *Remita) Name() string { return RemitaName }

func (r *Remita) hash(parts ...string) string {
	sum := sha512.Sum512([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func (r *Remita) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	amount := req.Amount.StringFixed(2)
	body, err := json.Marshal(map[string]string{
		"serviceTypeId": r.config.ServiceTypeID,
		"amount":        amount,
		"orderId":       req.Reference,
		"payerEmail":    req.Email,
		"description":   req.Description,
	})
	if err != nil {
		return nil, err
	}

	endpoint := r.config.BaseURL + "/remita/exapp/api/v1/send/api/echannelsvc/merchant/api/paymentinit"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("remitaConsumerKey=%s,remitaConsumerToken=%s",
		r.config.MerchantID, r.hash(r.config.MerchantID, r.config.ServiceTypeID, req.Reference, amount, r.config.APIKey)))

	raw, err := read(r.client, httpReq)
	if err != nil {
		return nil, fmt.Errorf("remita initialize: %w", err)
	}
	var resp struct {
		StatusCode string `json:"statuscode"`
		RRR        string `json:"RRR"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(unwrapJSONP(raw), &resp); err != nil {
		return nil, fmt.Errorf("remita initialize: failed to decode response: %w", err)
	}
	if resp.StatusCode != "025" || resp.RRR == "" {
		return nil, fmt.Errorf("remita initialize: %w: %s", ErrGatewayRejected, resp.Status)
	}
	return &InitResult{
		AuthorizationURL: r.config.BaseURL + "/remita/onepage/biller/" + url.PathEscape(resp.RRR) + "/payment.spa",
		GatewayReference: resp.RRR,
	}, nil
}

func (r *Remita) Verify(ctx context.Context, rrr string) (*VerifyResult, error) {
	endpoint := fmt.Sprintf("%s/remita/exapp/api/v1/send/api/echannelsvc/%s/%s/%s/status.reg",
		r.config.BaseURL, url.PathEscape(r.config.MerchantID), url.PathEscape(rrr),
		r.hash(rrr, r.config.APIKey, r.config.MerchantID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	raw, err := read(r.client, httpReq)
	if err != nil {
		return nil, fmt.Errorf("remita verify: %w", err)
	}
	var resp struct {
		Status  string      `json:"status"`
		Message string      `json:"message"`
		Amount  json.Number `json:"amount"`
		RRR     string      `json:"RRR"`
		OrderID string      `json:"orderId"`
	}
	if err := json.Unmarshal(unwrapJSONP(raw), &resp); err != nil {
		return nil, fmt.Errorf("remita verify: failed to decode response: %w", err)
	}

	amount := decimal.Zero
	if resp.Amount != "" {
		amount, err = decimal.NewFromString(resp.Amount.String())
		if err != nil {
			return nil, fmt.Errorf("remita verify: bad amount %q: %w", resp.Amount, err)
		}
	}
	return &VerifyResult{
		Status:           remitaStatus(resp.Status),
		Amount:           amount,
		GatewayReference: rrr,
		Message:          resp.Message,
	}, nil
}

func remitaStatus(code string) VerifyStatus {
	switch code {
	case "00", "01":
		return VerifySuccess
	case "021", "025", "":
		return VerifyPending
	default:
		return VerifyFailed
	}
}

// unwrapJSONP strips the "jsonp (...)" wrapper some Remita endpoints add.
func unwrapJSONP(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	start := bytes.IndexByte(trimmed, '(')
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' || start < 0 {
		return trimmed
	}
	end := bytes.LastIndexByte(trimmed, ')')
	if end <= start {
		return trimmed
	}
	return trimmed[start+1 : end]
}

// ParseRemitaNotifications reads Remita's webhook body, a JSON array of
// payment notifications. Each is actionable only after a status query.
func ParseRemitaNotifications(body []byte) ([]*WebhookEvent, error) {
	var items []struct {
		RRR      string      `json:"rrr"`
		OrderRef string      `json:"orderRef"`
		Amount   json.Number `json:"amount"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("remita webhook: %w: %w", ErrInvalidPayload, err)
	}
	events := make([]*WebhookEvent, 0, len(items))
	for _, item := range items {
		if item.RRR == "" {
			continue
		}
		amount, _ := decimal.NewFromString(item.Amount.String())
		events = append(events, &WebhookEvent{
			Gateway:          RemitaName,
			ID:               "rrr:" + item.RRR,
			Type:             "payment.notification",
			GatewayReference: item.RRR,
			Amount:           amount,
			Actionable:       true,
		})
	}
	return events, nil
}
