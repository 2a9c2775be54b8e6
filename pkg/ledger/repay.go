package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/notify"
	"github.com/mcclellann/coopledger/pkg/payments"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/mcclellann/coopledger/pkg/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RepayRequest asks to pay towards a loan.
type RepayRequest struct {
	LoanID        uuid.UUID
	Amount        decimal.Decimal
	Method        models.PaymentMethod
	BankAccountID string
	EvidenceURL   string
}

// RepaymentResult describes what happened to a repayment. Exactly one of
// Repayment, Checkout or Instructions is set: wallet payments settle at
// once, card and bank payments settle later through the payment flow.
type RepaymentResult struct {
	Loan         *models.Loan           `json:"loan"`
	Payment      *models.Payment        `json:"payment"`
	Repayment    *models.LoanRepayment  `json:"repayment,omitempty"`
	Remaining    decimal.Decimal        `json:"remaining_balance"`
	Completed    bool                   `json:"completed"`
	Checkout     *payments.Checkout     `json:"checkout,omitempty"`
	Instructions *payments.Instructions `json:"instructions,omitempty"`

	// Duplicate is set when the payment had already been applied.
	Duplicate bool `json:"-"`
}

// Repay records a repayment by wallet, or opens a card or bank-transfer
// payment that settles the repayment once confirmed.
func (l *Ledger) Repay(ctx context.Context, req RepayRequest) (*RepaymentResult, error) {
	if !models.ValidAmount(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}

	var account *models.BankAccount
	if req.Method == models.PaymentMethodBankTransfer {
		var err error
		if account, err = l.manual.Prepare(req.BankAccountID, req.EvidenceURL); err != nil {
			return nil, err
		}
	}
	if req.Method == models.PaymentMethodCard && l.initiator == nil {
		return nil, payments.ErrUnknownGateway
	}

	var result *RepaymentResult
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		if err := tx.LockLoan(ctx, req.LoanID); err != nil {
			return err
		}
		loan, err := tx.GetLoan(ctx, req.LoanID)
		if err != nil {
			return err
		}
		remaining, err := checkRepayable(ctx, tx, loan, req.Amount)
		if err != nil {
			return err
		}

		payment := payments.NewPayment("RPY", loan.MemberID, req.Amount, l.currency, req.Method, models.LoanRepaymentPurpose(loan.ID), l.now())
		result = &RepaymentResult{Loan: loan, Payment: payment, Remaining: remaining}

		switch req.Method {
		case models.PaymentMethodWallet:
			w, err := tx.GetWalletByMember(ctx, loan.MemberID, l.currency)
			if err != nil {
				return err
			}
			if _, err := wallet.Post(ctx, tx, wallet.Entry{
				WalletID:    w.ID,
				Type:        models.WalletDebit,
				Amount:      req.Amount,
				Reference:   payment.Reference,
				Description: "loan repayment",
			}, l.now()); err != nil {
				return err
			}
			if err := tx.CreatePayment(ctx, payment); err != nil {
				return err
			}
			result, err = l.apply(ctx, tx, loan, payment)
			return err

		case models.PaymentMethodBankTransfer:
			payment.BankAccountID = account.ID
			payment.EvidenceURL = req.EvidenceURL
			result.Instructions = &payments.Instructions{Reference: payment.Reference, Account: *account, Status: string(payment.Status)}
			return tx.CreatePayment(ctx, payment)

		default:
			return tx.CreatePayment(ctx, payment)
		}
	})
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case models.PaymentMethodWallet:
		l.Announce(ctx, result)

	case models.PaymentMethodCard:
		member, err := l.storage.GetMember(ctx, result.Loan.MemberID)
		if err != nil {
			return nil, err
		}
		checkout, err := l.initiator.Start(ctx, l.storage, result.Payment, member.Email, "Loan repayment")
		if err != nil {
			return nil, err
		}
		result.Checkout = checkout

	case models.PaymentMethodBankTransfer:
		l.logger.Info("bank transfer repayment awaiting approval",
			zap.String("loan_id", result.Loan.ID.String()),
			zap.String("payment_ref", result.Payment.Reference),
		)
		if l.notifier != nil {
			l.notifier.NotifyAdmins(ctx, notify.Message{
				Kind:  notify.KindPaymentPending,
				Title: "Loan repayment awaiting approval",
				Body:  fmt.Sprintf("Bank transfer of %s %s towards loan %s (ref %s).", l.currency, req.Amount.StringFixed(2), result.Loan.ID, result.Payment.Reference),
				Data:  map[string]string{"payment_reference": result.Payment.Reference, "loan_id": result.Loan.ID.String()},
			})
		}
	}
	return result, nil
}

// checkRepayable returns the loan's remaining balance after confirming it
// can take amount.
func checkRepayable(ctx context.Context, tx store.Storage, loan *models.Loan, amount decimal.Decimal) (decimal.Decimal, error) {
	if loan.Status != models.LoanStatusApproved {
		return decimal.Zero, fmt.Errorf("%w: loan is %s", ErrLoanNotApproved, loan.Status)
	}
	paid, err := tx.SumRepayments(ctx, loan.ID)
	if err != nil {
		return decimal.Zero, err
	}
	remaining := loan.TotalAmount.Sub(paid)
	if !remaining.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: loan is fully repaid", ErrLoanNotApproved)
	}
	if amount.GreaterThan(remaining) {
		return remaining, fmt.Errorf("%w: remaining %s", ErrAmountExceedsBalance, remaining.StringFixed(2))
	}
	return remaining, nil
}

// SettleRepayment applies a completed card or bank-transfer payment to its
// loan. It runs inside the settlement transaction and is a no-op for a
// payment that was already applied.
func (l *Ledger) SettleRepayment(ctx context.Context, tx store.Storage, payment *models.Payment) (*RepaymentResult, error) {
	if payment.Purpose.Kind != models.PurposeLoanRepayment {
		return nil, fmt.Errorf("%w: %s is not a loan repayment", models.ErrInvalidPurpose, payment.Reference)
	}
	loanID := payment.Purpose.TargetID
	if err := tx.LockLoan(ctx, loanID); err != nil {
		return nil, err
	}
	loan, err := tx.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	existing, err := tx.ListRepayments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		if r.Reference == payment.Reference {
			paid, err := tx.SumRepayments(ctx, loanID)
			if err != nil {
				return nil, err
			}
			return &RepaymentResult{Loan: loan, Payment: payment, Repayment: r, Remaining: loan.TotalAmount.Sub(paid), Duplicate: true}, nil
		}
	}

	if _, err := checkRepayable(ctx, tx, loan, payment.Amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, tx, loan, payment)
}

// apply appends the repayment row and completes the loan when the ledger
// covers the total. The caller holds the loan lock and has checked the
// amount against the remaining balance.
func (l *Ledger) apply(ctx context.Context, tx store.Storage, loan *models.Loan, payment *models.Payment) (*RepaymentResult, error) {
	existing, err := tx.ListRepayments(ctx, loan.ID)
	if err != nil {
		return nil, err
	}

	paid := decimal.Zero
	principalPaid := decimal.Zero
	for _, r := range existing {
		paid = paid.Add(r.Amount)
		principalPaid = principalPaid.Add(r.PrincipalPaid)
	}

	principal, interest := SplitRepayment(loan, principalPaid, payment.Amount)
	now := l.now().UTC()
	repayment := &models.LoanRepayment{
		ID:            uuid.New(),
		LoanID:        loan.ID,
		PaymentID:     payment.ID,
		Amount:        payment.Amount,
		PrincipalPaid: principal,
		InterestPaid:  interest,
		DueDate:       loan.ScheduleStart().AddDate(0, len(existing)+1, 0),
		PaidAt:        now,
		PaymentMethod: payment.Method,
		Status:        models.RepaymentStatusPaid,
		Reference:     payment.Reference,
		CreatedAt:     now,
	}
	if err := tx.CreateRepayment(ctx, repayment); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("repayment %s already recorded: %w", payment.Reference, err)
		}
		return nil, err
	}

	paid = paid.Add(payment.Amount)
	result := &RepaymentResult{
		Loan:      loan,
		Payment:   payment,
		Repayment: repayment,
		Remaining: decimal.Max(loan.TotalAmount.Sub(paid), decimal.Zero),
	}

	// Only the transaction that crosses the total flips the status, so the
	// completion notice goes out once.
	if paid.GreaterThanOrEqual(loan.TotalAmount) && loan.Status == models.LoanStatusApproved {
		loan.Status = models.LoanStatusCompleted
		loan.CompletedAt = &now
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return nil, err
		}
		result.Completed = true
	}
	return result, nil
}

// SplitRepayment divides amount into principal and interest. Interest due
// is one month on the outstanding principal; the rest reduces principal,
// which never goes below zero.
func SplitRepayment(loan *models.Loan, principalPaid, amount decimal.Decimal) (principal, interest decimal.Decimal) {
	outstanding := decimal.Max(loan.Amount.Sub(principalPaid), decimal.Zero)
	interestDue := outstanding.Mul(models.MonthlyRate(loan.InterestRate)).Round(2)

	interest = decimal.Min(amount, interestDue)
	principal = decimal.Min(amount.Sub(interest), outstanding)
	return principal, amount.Sub(principal)
}

// Announce sends the notifications for an applied repayment. Call it after
// the transaction that applied it has committed.
func (l *Ledger) Announce(ctx context.Context, res *RepaymentResult) {
	if res == nil || res.Repayment == nil || res.Duplicate {
		return
	}
	amount, _ := res.Payment.Amount.Float64()
	l.metrics.RecordRepayment(string(res.Payment.Method), amount)
	l.logger.Info("loan repayment recorded",
		zap.String("loan_id", res.Loan.ID.String()),
		zap.String("payment_ref", res.Payment.Reference),
		zap.String("method", string(res.Payment.Method)),
		zap.String("amount", res.Payment.Amount.String()),
		zap.String("remaining", res.Remaining.String()),
	)

	if res.Completed {
		l.metrics.RecordLoanEvent("completed")
		l.logger.Info("loan fully repaid", zap.String("loan_id", res.Loan.ID.String()))
	}
	if l.notifier == nil {
		return
	}
	if res.Completed {
		l.notifier.NotifyMember(ctx, res.Loan.MemberID, notify.Message{
			Kind:  notify.KindLoanCompleted,
			Title: "Loan fully repaid",
			Body:  fmt.Sprintf("Your loan of %s %s is fully repaid. Thank you.", l.currency, res.Loan.Amount.StringFixed(2)),
			Data:  map[string]string{"loan_id": res.Loan.ID.String()},
		})
		return
	}
	l.notifier.NotifyMember(ctx, res.Loan.MemberID, notify.Message{
		Kind:  notify.KindRepaymentPartial,
		Title: "Repayment received",
		Body:  fmt.Sprintf("We received %s %s. Remaining balance: %s.", l.currency, res.Payment.Amount.StringFixed(2), res.Remaining.StringFixed(2)),
		Data:  map[string]string{"loan_id": res.Loan.ID.String(), "payment_reference": res.Payment.Reference},
	})
}
