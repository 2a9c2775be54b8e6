package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"
)

const StripeName = "stripe"

// StripeSignatureTolerance bounds the age of a signed webhook.
const StripeSignatureTolerance = 5 * time.Minute

type StripeConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	SuccessURL    string `mapstructure:"success_url"`
	CancelURL     string `mapstructure:"cancel_url"`
}

// Stripe opens Checkout sessions. The gateway reference is the session id.
type Stripe struct {
	config   StripeConfig
	sessions *session.Client
}

func NewStripe(config StripeConfig) *Stripe {
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        newHTTPClient(),
		MaxNetworkRetries: stripe.Int64(0), // The breaker decides about retries
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if config.BaseURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(config.BaseURL, "/"))
	}
	return &Stripe{
		config: config,
		sessions: &session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
			Key: config.SecretKey,
		},
	}
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	successURL := req.CallbackURL
	if successURL == "" {
		successURL = s.config.SuccessURL
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(successURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(minorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
	}
	if s.config.CancelURL != "" {
		params.CancelURL = stripe.String(s.config.CancelURL)
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)
	params.AddMetadata("reference", req.Reference)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	cs, err := s.sessions.New(params)
	if err != nil {
		return nil, stripeError("initialize", err)
	}
	return &InitResult{AuthorizationURL: cs.URL, GatewayReference: cs.ID}, nil
}

func (s *Stripe) Verify(ctx context.Context, gatewayReference string) (*VerifyResult, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := s.sessions.Get(gatewayReference, params)
	if err != nil {
		return nil, stripeError("verify", err)
	}

	status := VerifyPending
	switch {
	case cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		status = VerifySuccess
	case cs.Status == stripe.CheckoutSessionStatusExpired:
		status = VerifyFailed
	}
	return &VerifyResult{
		Status:           status,
		Amount:           fromMinorUnits(cs.AmountTotal),
		GatewayReference: cs.ID,
		Message:          string(cs.PaymentStatus),
	}, nil
}

// stripeError reports 4xx API errors as rejections so they do not trip the
// breaker.
func stripeError(op string, err error) error {
	var apiErr *stripe.Error
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
		return fmt.Errorf("stripe %s: %w: status %d: %s", op, ErrGatewayRejected, apiErr.HTTPStatusCode, apiErr.Msg)
	}
	return fmt.Errorf("stripe %s: %w", op, err)
}

// VerifyStripeSignature checks a Stripe-Signature header against the
// endpoint secret, rejecting deliveries older than StripeSignatureTolerance.
func VerifyStripeSignature(secret string, body []byte, header string) error {
	if err := webhook.ValidatePayloadWithTolerance(body, header, secret, StripeSignatureTolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// ParseStripeEvent extracts the checkout session from a verified event.
func ParseStripeEvent(body []byte) (*WebhookEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("stripe webhook: %w: %w", ErrInvalidPayload, err)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("stripe webhook: %w: missing data.object", ErrInvalidPayload)
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("stripe webhook: %w: %w", ErrInvalidPayload, err)
	}

	actionable := false
	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed, stripe.EventTypeCheckoutSessionExpired:
		actionable = true
	}
	return &WebhookEvent{
		Gateway:          StripeName,
		ID:               ev.ID,
		Type:             string(ev.Type),
		GatewayReference: cs.ID,
		Amount:           fromMinorUnits(cs.AmountTotal),
		Actionable:       actionable,
	}, nil
}
