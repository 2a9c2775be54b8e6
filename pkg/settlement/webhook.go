package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"go.uber.org/zap"
)

// ProcessWebhook authenticates one gateway delivery and settles the
// payments it mentions. Each event is claimed once; an event that fails for
// a transient reason is released so the gateway's retry is processed.
func (s *Settler) ProcessWebhook(ctx context.Context, gateway string, body []byte, header http.Header) ([]*Outcome, error) {
	events, err := s.authenticate(gateway, body, header)
	if err != nil {
		s.metrics.RecordWebhook(gateway, "rejected")
		return nil, err
	}

	outcomes := make([]*Outcome, 0, len(events))
	for _, ev := range events {
		out, err := s.handleEvent(ctx, ev)
		if err != nil {
			s.metrics.RecordWebhook(gateway, "error")
			return outcomes, err
		}
		s.metrics.RecordWebhook(gateway, string(out.Result))
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// authenticate checks the delivery's signature and parses its events.
// Remita does not sign callbacks; its events are trusted only after the
// status query every event goes through.
func (s *Settler) authenticate(gateway string, body []byte, header http.Header) ([]*payments.WebhookEvent, error) {
	switch gateway {
	case payments.PaystackName:
		if s.secrets.Paystack == "" {
			return nil, fmt.Errorf("%w: %s", payments.ErrUnknownGateway, gateway)
		}
		if err := payments.VerifyPaystackSignature(s.secrets.Paystack, body, header.Get("x-paystack-signature")); err != nil {
			return nil, err
		}
		ev, err := payments.ParsePaystackEvent(body)
		if err != nil {
			return nil, err
		}
		return []*payments.WebhookEvent{ev}, nil

	case payments.StripeName:
		if s.secrets.Stripe == "" {
			return nil, fmt.Errorf("%w: %s", payments.ErrUnknownGateway, gateway)
		}
		if err := payments.VerifyStripeSignature(s.secrets.Stripe, body, header.Get("Stripe-Signature")); err != nil {
			return nil, err
		}
		ev, err := payments.ParseStripeEvent(body)
		if err != nil {
			return nil, err
		}
		return []*payments.WebhookEvent{ev}, nil

	case payments.RemitaName:
		return payments.ParseRemitaNotifications(body)
	}
	return nil, fmt.Errorf("%w: %s", payments.ErrUnknownGateway, gateway)
}

func (s *Settler) handleEvent(ctx context.Context, ev *payments.WebhookEvent) (*Outcome, error) {
	logger := s.logger.With(
		zap.String("gateway", ev.Gateway),
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)
	if !ev.Actionable || ev.GatewayReference == "" {
		logger.Debug("webhook event ignored")
		return &Outcome{Result: ResultIgnored}, nil
	}

	key := "webhook:" + ev.Gateway + ":" + ev.ID
	claimed, err := s.idempotency.Claim(ctx, key, s.eventTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	if !claimed {
		logger.Info("duplicate webhook delivery")
		return &Outcome{Result: ResultDuplicate}, nil
	}

	out, err := s.settleEvent(ctx, ev)
	if err != nil || out.Result == ResultPending {
		// Let the next delivery of this event try again.
		if rerr := s.idempotency.Release(ctx, key); rerr != nil {
			logger.Error("failed to release webhook event", zap.Error(rerr))
		}
	}
	if err != nil {
		logger.Error("webhook processing failed", zap.Error(err))
		return nil, err
	}
	logger.Info("webhook processed", zap.String("result", string(out.Result)))
	return out, nil
}

func (s *Settler) settleEvent(ctx context.Context, ev *payments.WebhookEvent) (*Outcome, error) {
	payment, err := s.storage.GetPaymentByGatewayReference(ctx, ev.Gateway, ev.GatewayReference)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("webhook for unknown payment",
			zap.String("gateway", ev.Gateway),
			zap.String("gateway_ref", ev.GatewayReference),
		)
		return &Outcome{Result: ResultUnknown}, nil
	}
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return &Outcome{Payment: payment, Result: ResultDuplicate}, nil
	}
	return s.reconcile(ctx, payment)
}
