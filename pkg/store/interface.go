package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")

	// ErrStatusChanged means a guarded update lost a race with another writer.
	ErrStatusChanged = errors.New("status changed concurrently")

	ErrMemberNotFound       = fmt.Errorf("member %w", ErrNotFound)
	ErrProductNotFound      = fmt.Errorf("loan product %w", ErrNotFound)
	ErrLoanNotFound         = fmt.Errorf("loan %w", ErrNotFound)
	ErrPaymentNotFound      = fmt.Errorf("payment %w", ErrNotFound)
	ErrWalletNotFound       = fmt.Errorf("wallet %w", ErrNotFound)
	ErrChargeTypeNotFound   = fmt.Errorf("charge type %w", ErrNotFound)
	ErrChargeNotFound       = fmt.Errorf("charge %w", ErrNotFound)
	ErrNotificationNotFound = fmt.Errorf("notification %w", ErrNotFound)
)

// LoanFilter narrows ListLoans. Zero values match everything.
type LoanFilter struct {
	MemberID uuid.UUID
	Status   models.LoanStatus
}

// Storage defines the interface for database operations of one tenant.
type Storage interface {
	CreateMember(ctx context.Context, member *models.Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error)
	GetMemberByUserID(ctx context.Context, userID string) (*models.Member, error)
	ListMembers(ctx context.Context) ([]*models.Member, error)

	CreateLoanProduct(ctx context.Context, product *models.LoanProduct) error
	GetLoanProduct(ctx context.Context, id uuid.UUID) (*models.LoanProduct, error)
	ListLoanProducts(ctx context.Context) ([]*models.LoanProduct, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	ListLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error)
	CountOpenLoans(ctx context.Context, memberID uuid.UUID) (int, error)
	// LockLoan serializes writers on one loan for the rest of the transaction.
	LockLoan(ctx context.Context, id uuid.UUID) error

	CreateRepayment(ctx context.Context, repayment *models.LoanRepayment) error
	ListRepayments(ctx context.Context, loanID uuid.UUID) ([]*models.LoanRepayment, error)
	SumRepayments(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	GetPaymentByGatewayReference(ctx context.Context, gateway, reference string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	TransitionPayment(ctx context.Context, payment *models.Payment, from models.PaymentStatus) error

	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	GetWalletByMember(ctx context.Context, memberID uuid.UUID, currency string) (*models.Wallet, error)
	LockWallet(ctx context.Context, id uuid.UUID) error
	WalletBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)
	CreateWalletTransaction(ctx context.Context, txn *models.WalletTransaction) error
	ListWalletTransactions(ctx context.Context, walletID uuid.UUID) ([]*models.WalletTransaction, error)

	CreateChargeType(ctx context.Context, chargeType *models.StatutoryChargeType) error
	GetChargeType(ctx context.Context, id uuid.UUID) (*models.StatutoryChargeType, error)
	CreateCharge(ctx context.Context, charge *models.StatutoryCharge) error
	GetCharge(ctx context.Context, id uuid.UUID) (*models.StatutoryCharge, error)
	UpdateCharge(ctx context.Context, charge *models.StatutoryCharge) error
	ListChargesForMember(ctx context.Context, memberID uuid.UUID) ([]*models.StatutoryCharge, error)
	ListPendingChargesDue(ctx context.Context, before time.Time) ([]*models.StatutoryCharge, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, recipient string) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID, recipient string, at time.Time) error

	// WithTx runs fn against a Storage bound to one database transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	Close() error
}
