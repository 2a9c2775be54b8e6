package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/store"
	"go.uber.org/zap"
)

// Checkout is what a payer needs to finish a card payment.
type Checkout struct {
	Reference        string `json:"reference"`
	Gateway          string `json:"gateway"`
	AuthorizationURL string `json:"authorization_url"`
}

// Initiator opens gateway checkouts for payments already stored as pending.
// The gateway call happens outside any database transaction.
type Initiator struct {
	gateways    *Registry
	callbackURL string
	logger      *logging.Logger
	now         func() time.Time
}

func NewInitiator(gateways *Registry, callbackURL string, logger *logging.Logger) *Initiator {
	return &Initiator{
		gateways:    gateways,
		callbackURL: callbackURL,
		logger:      logging.OrGlobal(logger).Named("payments"),
		now:         time.Now,
	}
}

// Start initializes payment with the card gateway and records the gateway
// reference. If the gateway cannot be reached the payment is marked failed
// and the error is returned.
func (i *Initiator) Start(ctx context.Context, s store.Storage, payment *models.Payment, email, description string) (*Checkout, error) {
	g, err := i.gateways.Card()
	if err != nil {
		i.fail(ctx, s, payment, err)
		return nil, err
	}
	payment.Gateway = g.Name()

	result, err := g.Initialize(ctx, InitRequest{
		Reference:   payment.Reference,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Email:       email,
		Description: description,
		CallbackURL: i.callbackURL,
		Metadata: map[string]string{
			"purpose":   string(payment.Purpose.Kind),
			"target_id": payment.Purpose.TargetID.String(),
		},
	})
	if err != nil {
		i.fail(ctx, s, payment, err)
		return nil, fmt.Errorf("failed to initialize %s payment: %w", g.Name(), err)
	}

	payment.GatewayReference = result.GatewayReference
	payment.UpdatedAt = i.now().UTC()
	if err := s.UpdatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to record gateway reference: %w", err)
	}

	i.logger.Info("payment checkout opened",
		zap.String("payment_ref", payment.Reference),
		zap.String("gateway", g.Name()),
		zap.String("amount", payment.Amount.String()),
	)
	return &Checkout{Reference: payment.Reference, Gateway: g.Name(), AuthorizationURL: result.AuthorizationURL}, nil
}

func (i *Initiator) fail(ctx context.Context, s store.Storage, payment *models.Payment, cause error) {
	payment.Status = models.PaymentStatusFailed
	payment.FailureReason = truncate([]byte(cause.Error()), 255)
	payment.UpdatedAt = i.now().UTC()
	if err := s.UpdatePayment(ctx, payment); err != nil {
		i.logger.Error("failed to mark payment failed",
			zap.String("payment_ref", payment.Reference),
			zap.Error(err),
		)
	}
	i.logger.Warn("payment initialization failed",
		zap.String("payment_ref", payment.Reference),
		zap.Error(cause),
	)
}
