// Package charges materializes statutory charge schedules for members and
// takes payment for them.
package charges

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/notify"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownFrequency  = errors.New("unknown charge frequency")
	ErrInvalidChargeType = errors.New("charge type needs a name and a positive amount in whole minor units")
	ErrNotPayable        = errors.New("charge is not payable")
	ErrAlreadyPaid       = errors.New("charge is already paid")
	ErrNotOwner          = errors.New("charge belongs to another member")
)

// cadence is how many rows a frequency expands to and the month step between them.
type cadence struct {
	count int
	step  int
}

var cadences = map[models.ChargeFrequency]cadence{
	models.FrequencyMonthly:    {count: 12, step: 1},
	models.FrequencyQuarterly:  {count: 4, step: 3},
	models.FrequencyBiAnnually: {count: 2, step: 6},
	models.FrequencyAnnually:   {count: 3, step: 12},
	models.FrequencyOneTime:    {count: 1, step: 0},
}

// Expand builds the charge rows a type produces for one member starting at
// start. Recurring charges fall due one step after start and every step
// after that; a one-time charge is due at start. Only the first row is
// approved, the rest wait for their due date.
func Expand(chargeType *models.StatutoryChargeType, memberID uuid.UUID, start, now time.Time) ([]*models.StatutoryCharge, error) {
	c, ok := cadences[chargeType.Frequency]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrequency, chargeType.Frequency)
	}

	start = start.UTC()
	now = now.UTC()
	rows := make([]*models.StatutoryCharge, 0, c.count)
	for i := 0; i < c.count; i++ {
		offset := (i + 1) * c.step
		status := models.ChargeStatusPending
		if i == 0 {
			status = models.ChargeStatusApproved
		}
		rows = append(rows, &models.StatutoryCharge{
			ID:        uuid.New(),
			MemberID:  memberID,
			TypeID:    chargeType.ID,
			Amount:    chargeType.Amount,
			DueDate:   start.AddDate(0, offset, 0),
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return rows, nil
}

// Options configures a Service.
type Options struct {
	Currency  string
	Initiator *payments.Initiator
	Manual    payments.ManualConfig
	Notifier  notify.Notifier
	Logger    *logging.Logger
}

// Service manages statutory charges for one tenant.
type Service struct {
	storage   store.Storage
	currency  string
	initiator *payments.Initiator
	manual    payments.ManualConfig
	notifier  notify.Notifier
	logger    *logging.Logger
	now       func() time.Time
}

func NewService(s store.Storage, opts Options) *Service {
	currency := opts.Currency
	if currency == "" {
		currency = "NGN"
	}
	return &Service{
		storage:   s,
		currency:  currency,
		initiator: opts.Initiator,
		manual:    opts.Manual,
		notifier:  opts.Notifier,
		logger:    logging.OrGlobal(opts.Logger).Named("charges"),
		now:       time.Now,
	}
}

// CreateType defines a new statutory charge.
func (s *Service) CreateType(ctx context.Context, name string, amount decimal.Decimal, frequency models.ChargeFrequency) (*models.StatutoryChargeType, error) {
	if strings.TrimSpace(name) == "" || !models.ValidAmount(amount) {
		return nil, ErrInvalidChargeType
	}
	if _, ok := cadences[frequency]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrequency, frequency)
	}
	t := &models.StatutoryChargeType{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		Amount:    amount,
		Frequency: frequency,
		CreatedAt: s.now().UTC(),
	}
	if err := s.storage.CreateChargeType(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Assign materializes a charge type's schedule for a member in one
// transaction. Later edits to the type do not touch rows already created.
func (s *Service) Assign(ctx context.Context, typeID, memberID uuid.UUID, start time.Time) ([]*models.StatutoryCharge, error) {
	if start.IsZero() {
		start = s.now()
	}
	var rows []*models.StatutoryCharge
	err := s.storage.WithTx(ctx, func(tx store.Storage) error {
		chargeType, err := tx.GetChargeType(ctx, typeID)
		if err != nil {
			return err
		}
		if _, err := tx.GetMember(ctx, memberID); err != nil {
			return err
		}
		rows, err = Expand(chargeType, memberID, start, s.now())
		if err != nil {
			return err
		}
		for _, c := range rows {
			if err := tx.CreateCharge(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("statutory charges assigned",
		zap.String("member_id", memberID.String()),
		zap.String("type_id", typeID.String()),
		zap.Int("count", len(rows)),
	)
	if s.notifier != nil && len(rows) > 0 {
		s.notifyDue(ctx, rows[0])
	}
	return rows, nil
}

func (s *Service) ListForMember(ctx context.Context, memberID uuid.UUID) ([]*models.StatutoryCharge, error) {
	return s.storage.ListChargesForMember(ctx, memberID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.StatutoryCharge, error) {
	return s.storage.GetCharge(ctx, id)
}

// ActivateDue approves pending charges whose due date has arrived and
// tells their members. It returns how many charges became payable.
func (s *Service) ActivateDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.storage.ListPendingChargesDue(ctx, now)
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, c := range due {
		c.Status = models.ChargeStatusApproved
		c.UpdatedAt = now
		if err := s.storage.UpdateCharge(ctx, c); err != nil {
			s.logger.Error("failed to activate charge", zap.String("charge_id", c.ID.String()), zap.Error(err))
			continue
		}
		activated++
		if s.notifier != nil {
			s.notifyDue(ctx, c)
		}
	}
	if activated > 0 {
		s.logger.Info("statutory charges activated", zap.Int("count", activated))
	}
	return activated, nil
}

func (s *Service) notifyDue(ctx context.Context, c *models.StatutoryCharge) {
	s.notifier.NotifyMember(ctx, c.MemberID, notify.Message{
		Kind:  notify.KindChargeDue,
		Title: "Statutory charge due",
		Body:  fmt.Sprintf("A charge of %s %s is due on %s.", s.currency, c.Amount.StringFixed(2), c.DueDate.Format("2006-01-02")),
		Data:  map[string]string{"charge_id": c.ID.String()},
	})
}

// PayRequest pays one charge on behalf of its member.
type PayRequest struct {
	ChargeID      uuid.UUID
	MemberID      uuid.UUID
	Method        models.PaymentMethod
	BankAccountID string
	EvidenceURL   string
}

// PayResult is the outcome of Pay. Charge is marked paid only for wallet
// payments; the other methods settle later.
type PayResult struct {
	Charge       *models.StatutoryCharge `json:"charge"`
	Payment      *models.Payment         `json:"payment"`
	Checkout     *payments.Checkout      `json:"checkout,omitempty"`
	Instructions *payments.Instructions  `json:"instructions,omitempty"`
}

// Pay takes payment for an approved charge.
func (s *Service) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	charge, err := s.storage.GetCharge(ctx, req.ChargeID)
	if err != nil {
		return nil, err
	}
	if err := checkPayable(charge, req.MemberID); err != nil {
		return nil, err
	}

	payment := payments.NewPayment("CHG", charge.MemberID, charge.Amount, s.currency, req.Method, models.StatutoryChargePurpose(charge.ID), s.now())

	switch req.Method {
	case models.PaymentMethodWallet:
		return s.payFromWallet(ctx, charge, payment)

	case models.PaymentMethodCard:
		if s.initiator == nil {
			return nil, payments.ErrUnknownGateway
		}
		member, err := s.storage.GetMember(ctx, charge.MemberID)
		if err != nil {
			return nil, err
		}
		if err := s.storage.CreatePayment(ctx, payment); err != nil {
			return nil, err
		}
		checkout, err := s.initiator.Start(ctx, s.storage, payment, member.Email, "Statutory charge")
		if err != nil {
			return nil, err
		}
		return &PayResult{Charge: charge, Payment: payment, Checkout: checkout}, nil

	case models.PaymentMethodBankTransfer:
		account, err := s.manual.Prepare(req.BankAccountID, req.EvidenceURL)
		if err != nil {
			return nil, err
		}
		payment.BankAccountID = account.ID
		payment.EvidenceURL = req.EvidenceURL
		if err := s.storage.CreatePayment(ctx, payment); err != nil {
			return nil, err
		}
		if s.notifier != nil {
			s.notifier.NotifyAdmins(ctx, notify.Message{
				Kind:  notify.KindPaymentPending,
				Title: "Charge payment awaiting approval",
				Body:  fmt.Sprintf("Bank transfer of %s %s for a statutory charge (ref %s).", s.currency, payment.Amount.StringFixed(2), payment.Reference),
				Data:  map[string]string{"payment_reference": payment.Reference},
			})
		}
		return &PayResult{
			Charge:       charge,
			Payment:      payment,
			Instructions: &payments.Instructions{Reference: payment.Reference, Account: *account, Status: string(payment.Status)},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrNotPayable, req.Method)
	}
}

func checkPayable(c *models.StatutoryCharge, memberID uuid.UUID) error {
	if memberID != uuid.Nil && c.MemberID != memberID {
		return ErrNotOwner
	}
	switch c.Status {
	case models.ChargeStatusApproved:
		return nil
	case models.ChargeStatusPaid:
		return ErrAlreadyPaid
	default:
		return fmt.Errorf("%w: due on %s", ErrNotPayable, c.DueDate.Format("2006-01-02"))
	}
}

func (s *Service) payFromWallet(ctx context.Context, charge *models.StatutoryCharge, payment *models.Payment) (*PayResult, error) {
	err := s.storage.WithTx(ctx, func(tx store.Storage) error {
		w, err := tx.GetWalletByMember(ctx, charge.MemberID, s.currency)
		if err != nil {
			return err
		}
		// Re-read under the wallet lock so two debits cannot both pay it.
		if err := tx.LockWallet(ctx, w.ID); err != nil {
			return err
		}
		current, err := tx.GetCharge(ctx, charge.ID)
		if err != nil {
			return err
		}
		if err := checkPayable(current, uuid.Nil); err != nil {
			return err
		}
		if _, err := wallet.Post(ctx, tx, wallet.Entry{
			WalletID:    w.ID,
			Type:        models.WalletDebit,
			Amount:      charge.Amount,
			Reference:   payment.Reference,
			Description: "statutory charge",
		}, s.now()); err != nil {
			return err
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		return s.markPaid(ctx, tx, charge)
	})
	if err != nil {
		return nil, err
	}
	s.AnnouncePaid(ctx, charge, payment)
	return &PayResult{Charge: charge, Payment: payment}, nil
}

// AnnouncePaid confirms a settled charge to its member.
func (s *Service) AnnouncePaid(ctx context.Context, charge *models.StatutoryCharge, payment *models.Payment) {
	s.logger.Info("statutory charge paid",
		zap.String("charge_id", charge.ID.String()),
		zap.String("payment_ref", payment.Reference),
		zap.String("method", string(payment.Method)),
	)
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyMember(ctx, charge.MemberID, notify.Message{
		Kind:  notify.KindChargePaid,
		Title: "Charge paid",
		Body:  fmt.Sprintf("Your payment of %s %s for the charge due %s was received.", payment.Currency, payment.Amount.StringFixed(2), charge.DueDate.Format("2006-01-02")),
		Data:  map[string]string{"charge_id": charge.ID.String(), "payment_reference": payment.Reference},
	})
}

func (s *Service) markPaid(ctx context.Context, tx store.Storage, charge *models.StatutoryCharge) error {
	now := s.now().UTC()
	charge.Status = models.ChargeStatusPaid
	charge.PaidAt = &now
	charge.UpdatedAt = now
	return tx.UpdateCharge(ctx, charge)
}

// SettlePayment marks the charge a completed payment targets as paid. It
// runs inside the settlement transaction.
func (s *Service) SettlePayment(ctx context.Context, tx store.Storage, payment *models.Payment) (*models.StatutoryCharge, error) {
	if payment.Purpose.Kind != models.PurposeStatutoryCharge {
		return nil, fmt.Errorf("%w: %s is not a charge payment", models.ErrInvalidPurpose, payment.Reference)
	}
	charge, err := tx.GetCharge(ctx, payment.Purpose.TargetID)
	if err != nil {
		return nil, err
	}
	if charge.Status == models.ChargeStatusPaid {
		return nil, ErrAlreadyPaid
	}
	if payment.Amount.LessThan(charge.Amount) {
		return nil, fmt.Errorf("%w: paid %s of %s", ErrNotPayable, payment.Amount.StringFixed(2), charge.Amount.StringFixed(2))
	}
	if err := s.markPaid(ctx, tx, charge); err != nil {
		return nil, err
	}
	return charge, nil
}
