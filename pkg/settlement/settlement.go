// Package settlement closes the loop on card and bank-transfer payments:
// gateway webhooks, client verification polls and administrator decisions
// all end here, and every completed payment is applied by its purpose.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcclellann/coopledger/pkg/charges"
	"github.com/mcclellann/coopledger/pkg/ledger"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/metrics"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/notify"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"go.uber.org/zap"
)

var (
	ErrNotAwaitingApproval = errors.New("payment is not awaiting approval")
	ErrNotApplied          = errors.New("payment could not be applied")
)

// Result names what happened to a payment.
type Result string

const (
	ResultSettled   Result = "settled"
	ResultFailed    Result = "failed"
	ResultRejected  Result = "rejected"
	ResultPending   Result = "pending"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultUnknown   Result = "unknown_reference"
)

// Outcome reports the state a payment was left in.
type Outcome struct {
	Payment *models.Payment `json:"payment,omitempty"`
	Result  Result          `json:"result"`
	Reason  string          `json:"reason,omitempty"`
}

// Options wires the services a Settler applies payments through.
type Options struct {
	Ledger      *ledger.Ledger
	Wallets     *wallet.Service
	Charges     *charges.Service
	Verifier    *payments.Verifier
	Idempotency payments.Idempotency
	Secrets     WebhookSecrets
	EventTTL    time.Duration
	Notifier    notify.Notifier
	Metrics     metrics.Collector
	Logger      *logging.Logger
}

// WebhookSecrets authenticate gateway callbacks.
type WebhookSecrets struct {
	Paystack string `mapstructure:"paystack"`
	Stripe   string `mapstructure:"stripe"`
}

// Settler moves payments of one tenant to a final status.
type Settler struct {
	storage     store.Storage
	ledger      *ledger.Ledger
	wallets     *wallet.Service
	charges     *charges.Service
	verifier    *payments.Verifier
	idempotency payments.Idempotency
	secrets     WebhookSecrets
	eventTTL    time.Duration
	notifier    notify.Notifier
	metrics     metrics.Collector
	logger      *logging.Logger
	now         func() time.Time
}

func NewSettler(s store.Storage, opts Options) *Settler {
	idem := opts.Idempotency
	if idem == nil {
		idem = payments.NewMemoryIdempotency()
	}
	ttl := opts.EventTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Settler{
		storage:     s,
		ledger:      opts.Ledger,
		wallets:     opts.Wallets,
		charges:     opts.Charges,
		verifier:    opts.Verifier,
		idempotency: idem,
		secrets:     opts.Secrets,
		eventTTL:    ttl,
		notifier:    opts.Notifier,
		metrics:     metrics.OrNoOp(opts.Metrics),
		logger:      logging.OrGlobal(opts.Logger).Named("settlement"),
		now:         time.Now,
	}
}

// Get returns a payment by its reference.
func (s *Settler) Get(ctx context.Context, reference string) (*models.Payment, error) {
	return s.storage.GetPaymentByReference(ctx, reference)
}

// Approve settles a bank transfer an administrator has matched to a bank
// credit. A transfer that cannot be applied is marked failed and
// ErrNotApplied is returned with the reason.
func (s *Settler) Approve(ctx context.Context, reference, approvedBy string) (*Outcome, error) {
	payment, err := s.storage.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPendingApproval {
		return nil, fmt.Errorf("%w: payment is %s", ErrNotAwaitingApproval, payment.Status)
	}

	out, err := s.complete(ctx, payment, models.PaymentStatusPendingApproval)
	if err != nil {
		return nil, err
	}
	switch out.Result {
	case ResultDuplicate:
		return nil, fmt.Errorf("%w: payment is %s", ErrNotAwaitingApproval, out.Payment.Status)
	case ResultFailed:
		return out, fmt.Errorf("%w: %s", ErrNotApplied, out.Reason)
	}
	s.logger.Info("manual payment approved",
		zap.String("payment_ref", reference),
		zap.String("by", approvedBy),
	)
	return out, nil
}

// Reject declines a bank transfer and tells the member why.
func (s *Settler) Reject(ctx context.Context, reference, rejectedBy, reason string) (*Outcome, error) {
	payment, err := s.storage.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPendingApproval {
		return nil, fmt.Errorf("%w: payment is %s", ErrNotAwaitingApproval, payment.Status)
	}

	rejected := *payment
	rejected.Status = models.PaymentStatusRejected
	rejected.FailureReason = reason
	rejected.UpdatedAt = s.now().UTC()
	if err := s.storage.TransitionPayment(ctx, &rejected, models.PaymentStatusPendingApproval); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			return nil, fmt.Errorf("%w: payment changed while rejecting", ErrNotAwaitingApproval)
		}
		return nil, err
	}

	s.logger.Info("manual payment rejected",
		zap.String("payment_ref", reference),
		zap.String("by", rejectedBy),
		zap.String("reason", reason),
	)
	if s.notifier != nil {
		body := fmt.Sprintf("Your bank transfer of %s %s (ref %s) was not accepted.", rejected.Currency, rejected.Amount.StringFixed(2), rejected.Reference)
		if reason != "" {
			body += " Reason: " + reason
		}
		s.notifier.NotifyMember(ctx, rejected.MemberID, notify.Message{
			Kind:  notify.KindPaymentRejected,
			Title: "Payment rejected",
			Body:  body,
			Data:  map[string]string{"payment_reference": rejected.Reference},
		})
	}
	return &Outcome{Payment: &rejected, Result: ResultRejected, Reason: reason}, nil
}

// Verify asks the gateway about a pending card payment and settles it when
// the gateway reports an outcome. Payments already final are returned as is.
func (s *Settler) Verify(ctx context.Context, reference string) (*Outcome, error) {
	payment, err := s.storage.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending || payment.GatewayReference == "" {
		return &Outcome{Payment: payment, Result: ResultDuplicate}, nil
	}
	return s.reconcile(ctx, payment)
}

// reconcile applies the gateway's verdict on a pending payment.
func (s *Settler) reconcile(ctx context.Context, payment *models.Payment) (*Outcome, error) {
	if s.verifier == nil {
		return nil, fmt.Errorf("%w: %s", payments.ErrUnknownGateway, payment.Gateway)
	}
	verdict, err := s.verifier.Verify(ctx, payment.Gateway, payment.GatewayReference)
	if err != nil {
		return nil, err
	}

	switch verdict.Status {
	case payments.VerifySuccess:
		if verdict.Amount.IsPositive() && verdict.Amount.LessThan(payment.Amount.Round(2)) {
			reason := fmt.Sprintf("gateway settled %s of %s", verdict.Amount.StringFixed(2), payment.Amount.StringFixed(2))
			return s.fail(ctx, payment, models.PaymentStatusPending, reason, true)
		}
		return s.complete(ctx, payment, models.PaymentStatusPending)

	case payments.VerifyFailed:
		reason := verdict.Message
		if reason == "" {
			reason = "declined by " + payment.Gateway
		}
		return s.fail(ctx, payment, models.PaymentStatusPending, reason, false)

	default:
		return &Outcome{Payment: payment, Result: ResultPending}, nil
	}
}

// complete claims payment for completion and applies it in one transaction.
// Losing the claim to a concurrent settlement is reported as a duplicate.
func (s *Settler) complete(ctx context.Context, payment *models.Payment, from models.PaymentStatus) (*Outcome, error) {
	var announce func(context.Context)
	settled := *payment
	err := s.storage.WithTx(ctx, func(tx store.Storage) error {
		now := s.now().UTC()
		settled.Status = models.PaymentStatusCompleted
		settled.FailureReason = ""
		settled.CompletedAt = &now
		settled.UpdatedAt = now
		if err := tx.TransitionPayment(ctx, &settled, from); err != nil {
			return err
		}
		var err error
		announce, err = s.apply(ctx, tx, &settled)
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, store.ErrStatusChanged):
		current, err := s.storage.GetPaymentByReference(ctx, payment.Reference)
		if err != nil {
			return nil, err
		}
		return &Outcome{Payment: current, Result: ResultDuplicate}, nil
	case rejectedByPurpose(err):
		return s.fail(ctx, payment, from, err.Error(), true)
	default:
		return nil, err
	}

	s.logger.Info("payment settled",
		zap.String("payment_ref", settled.Reference),
		zap.String("purpose", string(settled.Purpose.Kind)),
		zap.String("method", string(settled.Method)),
		zap.String("amount", settled.Amount.String()),
	)
	announce(ctx)
	return &Outcome{Payment: &settled, Result: ResultSettled}, nil
}

// apply hands a completed payment to the service that owns its purpose and
// returns the notifications to send once the transaction commits.
func (s *Settler) apply(ctx context.Context, tx store.Storage, payment *models.Payment) (func(context.Context), error) {
	switch payment.Purpose.Kind {
	case models.PurposeLoanRepayment:
		res, err := s.ledger.SettleRepayment(ctx, tx, payment)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) { s.ledger.Announce(ctx, res) }, nil

	case models.PurposeWalletTopUp:
		txn, err := s.wallets.SettleTopUp(ctx, tx, payment)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) { s.wallets.AnnounceTopUp(ctx, payment, txn) }, nil

	case models.PurposeStatutoryCharge:
		charge, err := s.charges.SettlePayment(ctx, tx, payment)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) { s.charges.AnnouncePaid(ctx, charge, payment) }, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidPurpose, payment.Purpose.Kind)
}

// purposeErrors are refusals from the purpose services. The payment itself
// is valid, so it is failed for reconciliation instead of retried.
var purposeErrors = []error{
	store.ErrNotFound,
	models.ErrInvalidPurpose,
	ledger.ErrLoanNotApproved,
	ledger.ErrAmountExceedsBalance,
	ledger.ErrInvalidAmount,
	wallet.ErrInvalidAmount,
	charges.ErrAlreadyPaid,
	charges.ErrNotPayable,
}

func rejectedByPurpose(err error) bool {
	for _, target := range purposeErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// fail moves payment from a pending status to failed. Escalated failures
// involve money the cooperative holds, so administrators are told as well.
func (s *Settler) fail(ctx context.Context, payment *models.Payment, from models.PaymentStatus, reason string, escalate bool) (*Outcome, error) {
	failed := *payment
	failed.Status = models.PaymentStatusFailed
	failed.FailureReason = reason
	failed.UpdatedAt = s.now().UTC()
	if err := s.storage.TransitionPayment(ctx, &failed, from); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			current, err := s.storage.GetPaymentByReference(ctx, payment.Reference)
			if err != nil {
				return nil, err
			}
			return &Outcome{Payment: current, Result: ResultDuplicate}, nil
		}
		return nil, err
	}

	s.logger.Warn("payment failed",
		zap.String("payment_ref", failed.Reference),
		zap.String("reason", reason),
		zap.Bool("escalated", escalate),
	)
	if s.notifier != nil {
		s.notifier.NotifyMember(ctx, failed.MemberID, notify.Message{
			Kind:  notify.KindPaymentFailed,
			Title: "Payment failed",
			Body:  fmt.Sprintf("Your payment of %s %s (ref %s) could not be completed.", failed.Currency, failed.Amount.StringFixed(2), failed.Reference),
			Data:  map[string]string{"payment_reference": failed.Reference},
		})
		if escalate {
			s.notifier.NotifyAdmins(ctx, notify.Message{
				Kind:  notify.KindPaymentFailed,
				Title: "Payment needs reconciliation",
				Body:  fmt.Sprintf("Payment %s of %s %s was received but not applied: %s", failed.Reference, failed.Currency, failed.Amount.StringFixed(2), reason),
				Data:  map[string]string{"payment_reference": failed.Reference},
			})
		}
	}
	return &Outcome{Payment: &failed, Result: ResultFailed, Reason: reason}, nil
}
