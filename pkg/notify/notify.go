package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/store"
	"go.uber.org/zap"
)

// Message kinds.
const (
	KindLoanApplied      = "loan_applied"
	KindLoanApproved     = "loan_approved"
	KindLoanRejected     = "loan_rejected"
	KindRepaymentPartial = "loan_repayment"
	KindLoanCompleted    = "loan_completed"
	KindPaymentPending   = "payment_pending_approval"
	KindPaymentRejected  = "payment_rejected"
	KindPaymentFailed    = "payment_failed"
	KindWalletCredited   = "wallet_credited"
	KindChargeDue        = "statutory_charge_due"
	KindChargePaid       = "statutory_charge_paid"
)

// Message is the content of a notification before it is addressed.
type Message struct {
	Kind  string
	Title string
	Body  string
	Data  map[string]string
}

// Notifier fans messages out to members and administrators. Delivery
// failures are logged, never returned; a notification must not undo the
// operation that triggered it.
type Notifier interface {
	NotifyMember(ctx context.Context, memberID uuid.UUID, msg Message)
	NotifyAdmins(ctx context.Context, msg Message)
}

// Sink delivers a stored notification outside the database (push, mail relay).
type Sink interface {
	Deliver(ctx context.Context, n *models.Notification) error
}

// LogSink writes notifications to the log.
type LogSink struct {
	Logger *logging.Logger
}

func (s LogSink) Deliver(ctx context.Context, n *models.Notification) error {
	logging.OrGlobal(s.Logger).Info("notification",
		zap.String("recipient", n.Recipient),
		zap.String("kind", n.Kind),
		zap.String("title", n.Title),
	)
	return nil
}

// Service persists notifications in the tenant store and forwards them to a sink.
type Service struct {
	storage store.Storage
	sink    Sink
	logger  *logging.Logger
	now     func() time.Time
}

func NewService(s store.Storage, sink Sink, logger *logging.Logger) *Service {
	logger = logging.OrGlobal(logger).Named("notify")
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return &Service{storage: s, sink: sink, logger: logger, now: time.Now}
}

func (s *Service) NotifyMember(ctx context.Context, memberID uuid.UUID, msg Message) {
	s.send(ctx, memberID.String(), msg)
}

func (s *Service) NotifyAdmins(ctx context.Context, msg Message) {
	s.send(ctx, models.AdminRecipient, msg)
}

func (s *Service) send(ctx context.Context, recipient string, msg Message) {
	n := &models.Notification{
		ID:        uuid.New(),
		Recipient: recipient,
		Kind:      msg.Kind,
		Title:     msg.Title,
		Body:      msg.Body,
		Data:      msg.Data,
		CreatedAt: s.now().UTC(),
	}
	if err := s.storage.CreateNotification(ctx, n); err != nil {
		s.logger.Error("failed to store notification",
			zap.String("recipient", recipient), zap.String("kind", msg.Kind), zap.Error(err))
		return
	}
	if err := s.sink.Deliver(ctx, n); err != nil {
		s.logger.Warn("notification delivery failed",
			zap.String("recipient", recipient), zap.String("kind", msg.Kind), zap.Error(err))
	}
}

// List returns the notifications addressed to recipient.
func (s *Service) List(ctx context.Context, recipient string) ([]*models.Notification, error) {
	return s.storage.ListNotifications(ctx, recipient)
}

// MarkRead marks one of recipient's notifications as read.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID, recipient string) error {
	return s.storage.MarkNotificationRead(ctx, id, recipient, s.now())
}
