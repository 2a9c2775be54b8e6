package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/metrics"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/notify"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotEligible          = errors.New("member is not eligible for this loan")
	ErrInvalidTransition    = errors.New("loan status does not allow this action")
	ErrLoanNotApproved      = errors.New("loan is not active")
	ErrAmountExceedsBalance = errors.New("amount exceeds the remaining balance")
	ErrInvalidAmount        = errors.New("amount must be positive with at most two decimal places")
	ErrInvalidMethod        = errors.New("unsupported payment method")
	ErrInvalidProduct       = errors.New("invalid loan product")
)

// Options configures a Ledger. Everything except the store is optional.
type Options struct {
	Currency  string
	Notifier  notify.Notifier
	Initiator *payments.Initiator
	Manual    payments.ManualConfig
	Metrics   metrics.Collector
	Logger    *logging.Logger
}

// Ledger handles the business logic for loans and their repayments within
// one tenant.
type Ledger struct {
	storage   store.Storage
	currency  string
	notifier  notify.Notifier
	initiator *payments.Initiator
	manual    payments.ManualConfig
	metrics   metrics.Collector
	logger    *logging.Logger
	now       func() time.Time
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts Options) *Ledger {
	currency := opts.Currency
	if currency == "" {
		currency = "NGN"
	}
	return &Ledger{
		storage:   s,
		currency:  currency,
		notifier:  opts.Notifier,
		initiator: opts.Initiator,
		manual:    opts.Manual,
		metrics:   metrics.OrNoOp(opts.Metrics),
		logger:    logging.OrGlobal(opts.Logger).Named("ledger"),
		now:       time.Now,
	}
}

// CreateProduct validates and stores a loan product.
func (l *Ledger) CreateProduct(ctx context.Context, p *models.LoanProduct) error {
	var problems []string
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if p.InterestRate.IsNegative() {
		problems = append(problems, "interest_rate cannot be negative")
	}
	switch p.InterestMethod {
	case "":
		p.InterestMethod = models.InterestReducingBalance
	case models.InterestReducingBalance, models.InterestFlat:
	default:
		problems = append(problems, fmt.Sprintf("unknown interest_method %q", p.InterestMethod))
	}
	if p.Type != "" && !p.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", p.Type))
	}
	if p.MaxAmount.IsPositive() && p.MaxAmount.LessThan(p.MinAmount) {
		problems = append(problems, "max_amount is below min_amount")
	}
	if p.MaxTenureMonths > 0 && p.MaxTenureMonths < p.MinTenureMonths {
		problems = append(problems, "max_tenure_months is below min_tenure_months")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidProduct, strings.Join(problems, "; "))
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = l.now().UTC()
	return l.storage.CreateLoanProduct(ctx, p)
}

func (l *Ledger) GetProduct(ctx context.Context, id uuid.UUID) (*models.LoanProduct, error) {
	return l.storage.GetLoanProduct(ctx, id)
}

func (l *Ledger) ListProducts(ctx context.Context) ([]*models.LoanProduct, error) {
	return l.storage.ListLoanProducts(ctx)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ctx, id)
}

// ListLoans retrieves loans, newest first.
func (l *Ledger) ListLoans(ctx context.Context, filter store.LoanFilter) ([]*models.Loan, error) {
	return l.storage.ListLoans(ctx, filter)
}

// Repayments returns a loan's repayment ledger.
func (l *Ledger) Repayments(ctx context.Context, loanID uuid.UUID) ([]*models.LoanRepayment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.storage.ListRepayments(ctx, loanID)
}

// Application is a member's request for a loan.
type Application struct {
	MemberID         uuid.UUID       `json:"member_id"`
	ProductID        uuid.UUID       `json:"product_id"`
	Amount           decimal.Decimal `json:"amount"`
	DurationMonths   int             `json:"duration_months"`
	Purpose          string          `json:"purpose"`
	EmploymentStatus string          `json:"employment_status"`
	EmployerName     string          `json:"employer_name"`
	GuarantorName    string          `json:"guarantor_name"`
	GuarantorPhone   string          `json:"guarantor_phone"`
}

// Apply checks eligibility and records a pending loan with its terms fixed
// from the product.
func (l *Ledger) Apply(ctx context.Context, app Application) (*models.Loan, error) {
	if app.Amount.IsPositive() && !models.ValidAmount(app.Amount) {
		return nil, ErrInvalidAmount
	}
	var loan *models.Loan
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		member, product, openLoans, err := l.eligibilityInputs(ctx, tx, app.MemberID, app.ProductID)
		if err != nil {
			return err
		}
		now := l.now().UTC()
		if result := CheckEligibility(member, product, app.Amount, app.DurationMonths, openLoans, now); !result.Eligible {
			return &EligibilityError{Reasons: result.Reasons}
		}

		interest := product.CalculateInterest(app.Amount, app.DurationMonths)
		loan = &models.Loan{
			ID:               uuid.New(),
			MemberID:         member.ID,
			ProductID:        product.ID,
			Amount:           app.Amount,
			InterestRate:     product.InterestRate,
			DurationMonths:   app.DurationMonths,
			Type:             InferLoanType(product),
			Purpose:          app.Purpose,
			Status:           models.LoanStatusPending,
			MonthlyPayment:   product.CalculateMonthlyPayment(app.Amount, app.DurationMonths),
			InterestAmount:   interest,
			TotalAmount:      app.Amount.Add(interest),
			ProcessingFee:    product.ProcessingFee(app.Amount),
			EmploymentStatus: app.EmploymentStatus,
			EmployerName:     app.EmployerName,
			GuarantorName:    app.GuarantorName,
			GuarantorPhone:   app.GuarantorPhone,
			ApplicationDate:  now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return tx.CreateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}

	l.metrics.RecordLoanEvent("applied")
	l.logger.Info("loan application received",
		zap.String("loan_id", loan.ID.String()),
		zap.String("member_id", loan.MemberID.String()),
		zap.String("amount", loan.Amount.String()),
	)
	if l.notifier != nil {
		l.notifier.NotifyAdmins(ctx, notify.Message{
			Kind:  notify.KindLoanApplied,
			Title: "New loan application",
			Body:  fmt.Sprintf("A %s loan of %s %s over %d months is awaiting review.", loan.Type, l.currency, loan.Amount.StringFixed(2), loan.DurationMonths),
			Data:  map[string]string{"loan_id": loan.ID.String()},
		})
	}
	return loan, nil
}

// Approve moves a pending loan to approved. Its schedule starts now.
func (l *Ledger) Approve(ctx context.Context, loanID uuid.UUID, approvedBy string) (*models.Loan, error) {
	loan, err := l.transition(ctx, loanID, func(loan *models.Loan, now time.Time) {
		loan.Status = models.LoanStatusApproved
		loan.ApprovedAt = &now
		loan.ApprovedBy = approvedBy
	})
	if err != nil {
		return nil, err
	}

	l.metrics.RecordLoanEvent("approved")
	l.logger.Info("loan approved", zap.String("loan_id", loan.ID.String()), zap.String("by", approvedBy))
	if l.notifier != nil {
		l.notifier.NotifyMember(ctx, loan.MemberID, notify.Message{
			Kind:  notify.KindLoanApproved,
			Title: "Loan approved",
			Body:  fmt.Sprintf("Your loan of %s %s was approved. Monthly repayment: %s.", l.currency, loan.Amount.StringFixed(2), loan.MonthlyPayment.StringFixed(2)),
			Data:  map[string]string{"loan_id": loan.ID.String()},
		})
	}
	return loan, nil
}

// Reject moves a pending loan to rejected.
func (l *Ledger) Reject(ctx context.Context, loanID uuid.UUID, rejectedBy, reason string) (*models.Loan, error) {
	loan, err := l.transition(ctx, loanID, func(loan *models.Loan, now time.Time) {
		loan.Status = models.LoanStatusRejected
		loan.RejectedAt = &now
		loan.RejectedBy = rejectedBy
		loan.RejectionReason = reason
	})
	if err != nil {
		return nil, err
	}

	l.metrics.RecordLoanEvent("rejected")
	l.logger.Info("loan rejected", zap.String("loan_id", loan.ID.String()), zap.String("by", rejectedBy))
	if l.notifier != nil {
		body := "Your loan application was not approved."
		if reason != "" {
			body += " Reason: " + reason
		}
		l.notifier.NotifyMember(ctx, loan.MemberID, notify.Message{
			Kind:  notify.KindLoanRejected,
			Title: "Loan application rejected",
			Body:  body,
			Data:  map[string]string{"loan_id": loan.ID.String()},
		})
	}
	return loan, nil
}

// transition applies change to a pending loan under the loan lock.
func (l *Ledger) transition(ctx context.Context, loanID uuid.UUID, change func(*models.Loan, time.Time)) (*models.Loan, error) {
	var loan *models.Loan
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		if err := tx.LockLoan(ctx, loanID); err != nil {
			return err
		}
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanStatusPending {
			return fmt.Errorf("%w: loan is %s", ErrInvalidTransition, loan.Status)
		}
		now := l.now().UTC()
		change(loan, now)
		loan.UpdatedAt = now
		return tx.UpdateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// DeleteLoan withdraws a loan application. Only pending loans can be deleted.
func (l *Ledger) DeleteLoan(ctx context.Context, loanID uuid.UUID) error {
	return l.storage.WithTx(ctx, func(tx store.Storage) error {
		if err := tx.LockLoan(ctx, loanID); err != nil {
			return err
		}
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanStatusPending {
			return fmt.Errorf("%w: only pending loans can be deleted", ErrInvalidTransition)
		}
		return tx.DeleteLoan(ctx, loanID)
	})
}
