package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/shopspring/decimal"
)

// principalTolerance is the share of an installment's principal a repayment
// must cover to count as paying it.
var principalTolerance = decimal.RequireFromString("0.99")

// Installment is one row of an amortization schedule.
type Installment struct {
	Number    int             `json:"number"`
	DueDate   time.Time       `json:"due_date"`
	Payment   decimal.Decimal `json:"payment"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Balance   decimal.Decimal `json:"balance"` // Principal outstanding after this installment
	Paid      bool            `json:"paid"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

// BuildSchedule amortizes the loan month by month and marks the installments
// the repayment ledger covers. It stops early once the principal is cleared.
func BuildSchedule(loan *models.Loan, repayments []*models.LoanRepayment) []Installment {
	n := loan.DurationMonths
	if n <= 0 {
		return nil
	}
	rate := models.MonthlyRate(loan.InterestRate)
	monthly := loan.MonthlyPayment
	if !monthly.IsPositive() {
		monthly = loan.TotalAmount.Div(decimal.NewFromInt(int64(n))).Round(2)
	}

	start := loan.ScheduleStart()
	remaining := loan.Amount
	used := make([]bool, len(repayments))
	schedule := make([]Installment, 0, n)

	for i := 1; i <= n && remaining.IsPositive(); i++ {
		interest := remaining.Mul(rate).Round(2)
		principal := decimal.Max(monthly.Sub(interest), decimal.Zero)
		if i == n || principal.GreaterThan(remaining) {
			principal = remaining
		}
		remaining = remaining.Sub(principal)

		inst := Installment{
			Number:    i,
			DueDate:   start.AddDate(0, i, 0),
			Payment:   principal.Add(interest),
			Principal: principal,
			Interest:  interest,
			Balance:   remaining,
		}
		if j := matchRepayment(repayments, used, inst); j >= 0 {
			used[j] = true
			paidAt := repayments[j].PaidAt
			inst.Paid = true
			inst.PaidAt = &paidAt
			inst.Reference = repayments[j].Reference
		}
		schedule = append(schedule, inst)
	}
	return schedule
}

// matchRepayment picks the latest unused repayment due on or before the
// installment that covers its principal. It returns -1 when none fits.
func matchRepayment(repayments []*models.LoanRepayment, used []bool, inst Installment) int {
	due := truncateDay(inst.DueDate)
	need := inst.Principal.Mul(principalTolerance)
	best := -1
	for j, r := range repayments {
		if used[j] || truncateDay(r.DueDate).After(due) || r.PrincipalPaid.LessThan(need) {
			continue
		}
		if best < 0 || r.DueDate.After(repayments[best].DueDate) {
			best = j
		}
	}
	return best
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Summary is the repayment position of a loan.
type Summary struct {
	LoanID         uuid.UUID         `json:"loan_id"`
	Status         models.LoanStatus `json:"status"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	AmountPaid     decimal.Decimal   `json:"amount_paid"`
	PrincipalPaid  decimal.Decimal   `json:"principal_paid"`
	InterestPaid   decimal.Decimal   `json:"interest_paid"`
	Remaining      decimal.Decimal   `json:"remaining_balance"`
	MonthlyPayment decimal.Decimal   `json:"monthly_payment"`
	RepaymentCount int               `json:"repayment_count"`
	NextDue        *Installment      `json:"next_due,omitempty"`
}

// Summarize folds the repayment ledger of a loan.
func Summarize(loan *models.Loan, repayments []*models.LoanRepayment) Summary {
	s := Summary{
		LoanID:         loan.ID,
		Status:         loan.Status,
		TotalAmount:    loan.TotalAmount,
		MonthlyPayment: loan.MonthlyPayment,
		RepaymentCount: len(repayments),
	}
	for _, r := range repayments {
		s.AmountPaid = s.AmountPaid.Add(r.Amount)
		s.PrincipalPaid = s.PrincipalPaid.Add(r.PrincipalPaid)
		s.InterestPaid = s.InterestPaid.Add(r.InterestPaid)
	}
	s.Remaining = decimal.Max(loan.TotalAmount.Sub(s.AmountPaid), decimal.Zero)

	if loan.Status == models.LoanStatusApproved {
		for _, inst := range BuildSchedule(loan, repayments) {
			if !inst.Paid {
				next := inst
				s.NextDue = &next
				break
			}
		}
	}
	return s
}

// Schedule returns the amortization schedule of a loan.
func (l *Ledger) Schedule(ctx context.Context, loanID uuid.UUID) ([]Installment, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	repayments, err := l.storage.ListRepayments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return BuildSchedule(loan, repayments), nil
}

// Summary reports how much of a loan has been repaid.
func (l *Ledger) Summary(ctx context.Context, loanID uuid.UUID) (*Summary, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	repayments, err := l.storage.ListRepayments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	s := Summarize(loan, repayments)
	return &s, nil
}
