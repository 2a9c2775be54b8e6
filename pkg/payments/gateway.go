package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcclellann/coopledger/pkg/resilience"
	"github.com/shopspring/decimal"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected the request")
	ErrUnknownGateway     = errors.New("unknown payment gateway")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrInvalidPayload     = errors.New("malformed webhook payload")
)

// InitRequest describes a checkout to open with a gateway.
type InitRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Email       string
	Description string
	CallbackURL string
	Metadata    map[string]string
}

// InitResult is where the payer should be sent.
type InitResult struct {
	AuthorizationURL string
	GatewayReference string
}

type VerifyStatus string

const (
	VerifySuccess VerifyStatus = "success"
	VerifyFailed  VerifyStatus = "failed"
	VerifyPending VerifyStatus = "pending"
)

// VerifyResult is the gateway's view of a transaction.
type VerifyResult struct {
	Status           VerifyStatus
	Amount           decimal.Decimal
	GatewayReference string
	Message          string
}

// Gateway opens and verifies card payments with one provider.
type Gateway interface {
	Name() string
	Initialize(ctx context.Context, req InitRequest) (*InitResult, error)
	Verify(ctx context.Context, gatewayReference string) (*VerifyResult, error)
}

// guarded routes every gateway call through a circuit breaker.
type guarded struct {
	Gateway
	breaker *resilience.Breaker
}

// Guard wraps g so its calls share one circuit breaker and timeout.
func Guard(g Gateway, b *resilience.Breaker) Gateway {
	return &guarded{Gateway: g, breaker: b}
}

func (g *guarded) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	out, err := g.breaker.Execute(ctx, "initialize", func(ctx context.Context) (any, error) {
		return g.Gateway.Initialize(ctx, req)
	})
	if err != nil {
		return nil, classify(err)
	}
	return out.(*InitResult), nil
}

func (g *guarded) Verify(ctx context.Context, gatewayReference string) (*VerifyResult, error) {
	out, err := g.breaker.Execute(ctx, "verify", func(ctx context.Context) (any, error) {
		return g.Gateway.Verify(ctx, gatewayReference)
	})
	if err != nil {
		return nil, classify(err)
	}
	return out.(*VerifyResult), nil
}

func classify(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return err
}

// Registry holds the configured gateways by name.
type Registry struct {
	gateways map[string]Gateway
	card     string
}

// NewRegistry registers gateways; card names the default for card payments.
func NewRegistry(card string, gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway), card: card}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns a gateway by name.
func (r *Registry) Get(name string) (Gateway, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return g, nil
}

// Card returns the default card gateway.
func (r *Registry) Card() (Gateway, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no card gateway configured", ErrUnknownGateway)
	}
	return r.Get(r.card)
}

// minorUnits converts an amount to the integer subunit gateways bill in.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// doJSON sends body as JSON (when non-nil) and decodes a 2xx response into out.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return send(client, req, out)
}

func send(client *http.Client, req *http.Request, out any) error {
	raw, err := read(client, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// read performs req and returns the body of a 2xx response. 5xx and
// transport errors count against the breaker; 4xx is a rejection.
func read(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, truncate(raw, 200))
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
