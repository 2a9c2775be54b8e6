// Package wallet keeps member wallets. A wallet's balance is never stored;
// it is the signed sum of its transaction ledger, and every write appends
// to that ledger under a wallet lock.
package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/notify"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	ErrInvalidAmount     = errors.New("amount must be positive with at most two decimal places")
	ErrSameWallet        = errors.New("cannot transfer to the same wallet")
	ErrCurrencyMismatch  = errors.New("wallet currencies differ")
	ErrWalletExists      = errors.New("member already has a wallet in this currency")
	ErrInvalidMethod     = errors.New("wallets are topped up by card or bank transfer")
)

// Entry is one line to append to a wallet ledger.
type Entry struct {
	WalletID    uuid.UUID
	Type        models.WalletTransactionType
	Amount      decimal.Decimal
	Reference   string
	Description string
}

// Post appends e to its wallet inside tx. It locks the wallet, refuses
// debits that would overdraw it and records the resulting balance.
func Post(ctx context.Context, tx store.Storage, e Entry, at time.Time) (*models.WalletTransaction, error) {
	if !models.ValidAmount(e.Amount) {
		return nil, ErrInvalidAmount
	}
	if err := tx.LockWallet(ctx, e.WalletID); err != nil {
		return nil, err
	}
	balance, err := tx.WalletBalance(ctx, e.WalletID)
	if err != nil {
		return nil, err
	}

	txn := &models.WalletTransaction{
		ID:          uuid.New(),
		WalletID:    e.WalletID,
		Type:        e.Type,
		Amount:      e.Amount,
		Reference:   e.Reference,
		Description: e.Description,
		CreatedAt:   at.UTC(),
	}
	switch e.Type {
	case models.WalletCredit:
		txn.BalanceAfter = balance.Add(e.Amount)
	case models.WalletDebit:
		if balance.LessThan(e.Amount) {
			return nil, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, balance.StringFixed(2), e.Amount.StringFixed(2))
		}
		txn.BalanceAfter = balance.Sub(e.Amount)
	default:
		return nil, fmt.Errorf("unknown wallet transaction type %q", e.Type)
	}

	if err := tx.CreateWalletTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Options configures a Service.
type Options struct {
	Currency  string
	Initiator *payments.Initiator
	Manual    payments.ManualConfig
	Notifier  notify.Notifier
	Logger    *logging.Logger
}

// Service runs wallet operations for one tenant.
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
		logger:    logging.OrGlobal(opts.Logger).Named("wallet"),
		now:       time.Now,
	}
}

// Create opens a wallet for a member. A member holds one wallet per currency.
func (s *Service) Create(ctx context.Context, memberID uuid.UUID, currency string) (*models.Wallet, error) {
	if currency == "" {
		currency = s.currency
	}
	if _, err := s.storage.GetMember(ctx, memberID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	w := &models.Wallet{ID: uuid.New(), MemberID: memberID, Currency: currency, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	if err := s.storage.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrWalletExists
		}
		return nil, err
	}
	s.logger.Info("wallet created", zap.String("wallet_id", w.ID.String()), zap.String("member_id", memberID.String()))
	return w, nil
}

// Get returns a wallet with its current balance.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return s.storage.GetWallet(ctx, id)
}

// ForMember returns the member's wallet in the tenant currency.
func (s *Service) ForMember(ctx context.Context, memberID uuid.UUID) (*models.Wallet, error) {
	return s.storage.GetWalletByMember(ctx, memberID, s.currency)
}

func (s *Service) Transactions(ctx context.Context, id uuid.UUID) ([]*models.WalletTransaction, error) {
	if _, err := s.storage.GetWallet(ctx, id); err != nil {
		return nil, err
	}
	return s.storage.ListWalletTransactions(ctx, id)
}

// Withdraw debits the wallet. Paying the money out is handled off-system.
func (s *Service) Withdraw(ctx context.Context, id uuid.UUID, amount decimal.Decimal, description string) (*models.WalletTransaction, error) {
	if description == "" {
		description = "withdrawal"
	}
	var txn *models.WalletTransaction
	err := s.storage.WithTx(ctx, func(tx store.Storage) error {
		var err error
		txn, err = Post(ctx, tx, Entry{
			WalletID:    id,
			Type:        models.WalletDebit,
			Amount:      amount,
			Reference:   models.NewReference("WDR"),
			Description: description,
		}, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet withdrawal",
		zap.String("wallet_id", id.String()),
		zap.String("amount", amount.String()),
	)
	return txn, nil
}

// Transfer moves amount between two wallets of the same currency in one
// transaction. Both wallets are locked in id order.
func (s *Service) Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal, description string) (debit, credit *models.WalletTransaction, err error) {
	if fromID == toID {
		return nil, nil, ErrSameWallet
	}
	if !models.ValidAmount(amount) {
		return nil, nil, ErrInvalidAmount
	}
	if description == "" {
		description = "transfer"
	}
	reference := models.NewReference("TRF")

	err = s.storage.WithTx(ctx, func(tx store.Storage) error {
		from, err := tx.GetWallet(ctx, fromID)
		if err != nil {
			return err
		}
		to, err := tx.GetWallet(ctx, toID)
		if err != nil {
			return err
		}
		if from.Currency != to.Currency {
			return fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, from.Currency, to.Currency)
		}

		first, second := fromID, toID
		if bytes.Compare(first[:], second[:]) > 0 {
			first, second = second, first
		}
		if err := tx.LockWallet(ctx, first); err != nil {
			return err
		}
		if err := tx.LockWallet(ctx, second); err != nil {
			return err
		}

		now := s.now()
		debit, err = Post(ctx, tx, Entry{WalletID: fromID, Type: models.WalletDebit, Amount: amount, Reference: reference, Description: description}, now)
		if err != nil {
			return err
		}
		credit, err = Post(ctx, tx, Entry{WalletID: toID, Type: models.WalletCredit, Amount: amount, Reference: reference, Description: description}, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("wallet transfer",
		zap.String("from", fromID.String()),
		zap.String("to", toID.String()),
		zap.String("amount", amount.String()),
	)
	return debit, credit, nil
}

// TopUpRequest asks to fund a wallet from outside.
type TopUpRequest struct {
	WalletID      uuid.UUID
	Amount        decimal.Decimal
	Method        models.PaymentMethod
	BankAccountID string
	EvidenceURL   string
}

// TopUpResult carries the pending payment and what the payer does next.
type TopUpResult struct {
	Payment      *models.Payment        `json:"payment"`
	Checkout     *payments.Checkout     `json:"checkout,omitempty"`
	Instructions *payments.Instructions `json:"instructions,omitempty"`
}

// TopUp opens a card or bank-transfer payment that credits the wallet once
// it settles.
func (s *Service) TopUp(ctx context.Context, req TopUpRequest) (*TopUpResult, error) {
	if !models.ValidAmount(req.Amount) {
		return nil, ErrInvalidAmount
	}
	w, err := s.storage.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	member, err := s.storage.GetMember(ctx, w.MemberID)
	if err != nil {
		return nil, err
	}

	payment := payments.NewPayment("TOP", w.MemberID, req.Amount, w.Currency, req.Method, models.WalletTopUpPurpose(w.ID), s.now())

	switch req.Method {
	case models.PaymentMethodCard:
		if s.initiator == nil {
			return nil, payments.ErrUnknownGateway
		}
		if err := s.storage.CreatePayment(ctx, payment); err != nil {
			return nil, err
		}
		checkout, err := s.initiator.Start(ctx, s.storage, payment, member.Email, "Wallet top-up")
		if err != nil {
			return nil, err
		}
		return &TopUpResult{Payment: payment, Checkout: checkout}, nil

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
		s.notifyAdminsPending(ctx, payment, member)
		return &TopUpResult{
			Payment:      payment,
			Instructions: &payments.Instructions{Reference: payment.Reference, Account: *account, Status: string(payment.Status)},
		}, nil

	default:
		return nil, ErrInvalidMethod
	}
}

func (s *Service) notifyAdminsPending(ctx context.Context, p *models.Payment, member *models.Member) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyAdmins(ctx, notify.Message{
		Kind:  notify.KindPaymentPending,
		Title: "Wallet top-up awaiting approval",
		Body:  fmt.Sprintf("%s sent %s %s by bank transfer (ref %s).", member.FullName(), p.Currency, p.Amount.StringFixed(2), p.Reference),
		Data:  map[string]string{"payment_reference": p.Reference},
	})
}

// SettleTopUp credits the wallet a completed top-up payment targets. It
// runs inside the settlement transaction.
func (s *Service) SettleTopUp(ctx context.Context, tx store.Storage, payment *models.Payment) (*models.WalletTransaction, error) {
	if payment.Purpose.Kind != models.PurposeWalletTopUp {
		return nil, fmt.Errorf("%w: %s is not a wallet top-up", models.ErrInvalidPurpose, payment.Reference)
	}
	return Post(ctx, tx, Entry{
		WalletID:    payment.Purpose.TargetID,
		Type:        models.WalletCredit,
		Amount:      payment.Amount,
		Reference:   payment.Reference,
		Description: "top-up via " + string(payment.Method),
	}, s.now())
}

// AnnounceTopUp tells the member their wallet was credited.
func (s *Service) AnnounceTopUp(ctx context.Context, payment *models.Payment, txn *models.WalletTransaction) {
	s.logger.Info("wallet credited",
		zap.String("payment_ref", payment.Reference),
		zap.String("amount", payment.Amount.String()),
	)
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyMember(ctx, payment.MemberID, notify.Message{
		Kind:  notify.KindWalletCredited,
		Title: "Wallet credited",
		Body:  fmt.Sprintf("%s %s was added to your wallet. New balance: %s.", payment.Currency, payment.Amount.StringFixed(2), txn.BalanceAfter.StringFixed(2)),
		Data:  map[string]string{"payment_reference": payment.Reference, "wallet_id": txn.WalletID.String()},
	})
}
