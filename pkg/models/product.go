package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InterestMethod string

const (
	InterestReducingBalance InterestMethod = "reducing_balance"
	InterestFlat            InterestMethod = "flat"
)

var (
	hundred      = decimal.NewFromInt(100)
	monthsInYear = decimal.NewFromInt(12)
)

// LoanProduct is reference data. Its terms are copied onto a loan at
// application time, so later edits never change an existing loan.
type LoanProduct struct {
	ID                      uuid.UUID       `json:"id"`
	Name                    string          `json:"name"`
	Type                    LoanType        `json:"type,omitempty"` // Optional; inferred from Name when empty
	InterestRate            decimal.Decimal `json:"interest_rate"`  // Annual percentage, e.g. 12 for 12%
	InterestMethod          InterestMethod  `json:"interest_method"`
	ProcessingFeePercentage decimal.Decimal `json:"processing_fee_percentage"`
	MinAmount               decimal.Decimal `json:"min_amount"`
	MaxAmount               decimal.Decimal `json:"max_amount"` // Zero means no upper limit
	MinTenureMonths         int             `json:"min_tenure_months"`
	MaxTenureMonths         int             `json:"max_tenure_months"` // Zero means no upper limit
	MinMembershipMonths     int             `json:"min_membership_months"`
	MaxActiveLoans          int             `json:"max_active_loans"` // Zero means unlimited
	RequiredDocuments       []string        `json:"required_documents,omitempty"`
	Active                  bool            `json:"active"`
	CreatedAt               time.Time       `json:"created_at"`
}

// MonthlyRate converts the annual percentage into a monthly fraction.
func (p *LoanProduct) MonthlyRate() decimal.Decimal {
	return MonthlyRate(p.InterestRate)
}

// CalculateMonthlyPayment returns the installment for amount over tenure
// months, rounded to two decimal places.
func (p *LoanProduct) CalculateMonthlyPayment(amount decimal.Decimal, tenure int) decimal.Decimal {
	if tenure <= 0 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(tenure))
	if p.InterestMethod == InterestFlat {
		return amount.Add(p.flatInterest(amount, tenure)).Div(n).Round(2)
	}
	return AnnuityPayment(amount, p.MonthlyRate(), tenure)
}

// CalculateInterest returns the total interest charged over the tenure.
func (p *LoanProduct) CalculateInterest(amount decimal.Decimal, tenure int) decimal.Decimal {
	if tenure <= 0 {
		return decimal.Zero
	}
	if p.InterestMethod == InterestFlat {
		return p.flatInterest(amount, tenure).Round(2)
	}
	monthly := p.CalculateMonthlyPayment(amount, tenure)
	interest := monthly.Mul(decimal.NewFromInt(int64(tenure))).Sub(amount)
	if interest.IsNegative() {
		return decimal.Zero
	}
	return interest
}

// ProcessingFee is amount * processing_fee_percentage / 100.
func (p *LoanProduct) ProcessingFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.ProcessingFeePercentage).Div(hundred).Round(2)
}

func (p *LoanProduct) flatInterest(amount decimal.Decimal, tenure int) decimal.Decimal {
	return amount.Mul(p.InterestRate).Div(hundred).
		Mul(decimal.NewFromInt(int64(tenure))).Div(monthsInYear)
}

// MonthlyRate converts an annual percentage rate into a monthly fraction.
func MonthlyRate(annualPercent decimal.Decimal) decimal.Decimal {
	return annualPercent.Div(monthsInYear).Div(hundred)
}

// AnnuityPayment is the level installment P*r / (1 - (1+r)^-n), rounded to
// two places. A zero rate spreads the principal evenly.
func AnnuityPayment(principal, monthlyRate decimal.Decimal, months int) decimal.Decimal {
	if months <= 0 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(months))
	if monthlyRate.IsZero() {
		return principal.Div(n).Round(2)
	}
	growth := decimal.NewFromInt(1)
	base := decimal.NewFromInt(1).Add(monthlyRate)
	for i := 0; i < months; i++ {
		growth = growth.Mul(base)
	}
	// P*r*(1+r)^n / ((1+r)^n - 1) is the same formula without a negative power.
	return principal.Mul(monthlyRate).Mul(growth).
		Div(growth.Sub(decimal.NewFromInt(1))).Round(2)
}
