package payments

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Verifier asks gateways for a transaction's status. Concurrent requests
// for the same reference (a webhook racing a client poll, or a gateway
// retrying a delivery) share one upstream call.
type Verifier struct {
	gateways *Registry
	group    singleflight.Group
}

func NewVerifier(gateways *Registry) *Verifier {
	return &Verifier{gateways: gateways}
}

func (v *Verifier) Verify(ctx context.Context, gateway, gatewayReference string) (*VerifyResult, error) {
	g, err := v.gateways.Get(gateway)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	out, err, _ := v.group.Do(gateway+":"+gatewayReference, func() (any, error) {
		return g.Verify(ctx, gatewayReference)
	})
	if err != nil {
		return nil, err
	}
	return out.(*VerifyResult), nil
}
