package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoanProduct_ReducingBalance(t *testing.T) {
	p := &LoanProduct{
		InterestRate:            decimal.NewFromInt(12),
		InterestMethod:          InterestReducingBalance,
		ProcessingFeePercentage: decimal.NewFromFloat(1.5),
	}
	amount := decimal.NewFromInt(100000)

	monthly := p.CalculateMonthlyPayment(amount, 12)
	if !monthly.Equal(decimal.RequireFromString("8884.88")) {
		t.Errorf("Expected monthly payment 8884.88, got %s", monthly)
	}

	interest := p.CalculateInterest(amount, 12)
	if !interest.Equal(decimal.RequireFromString("6618.56")) {
		t.Errorf("Expected interest 6618.56, got %s", interest)
	}

	fee := p.ProcessingFee(amount)
	if !fee.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("Expected processing fee 1500, got %s", fee)
	}
}

func TestLoanProduct_Flat(t *testing.T) {
	p := &LoanProduct{InterestRate: decimal.NewFromInt(10), InterestMethod: InterestFlat}
	amount := decimal.NewFromInt(120000)

	interest := p.CalculateInterest(amount, 24)
	if !interest.Equal(decimal.NewFromInt(24000)) {
		t.Errorf("Expected flat interest 24000, got %s", interest)
	}
	monthly := p.CalculateMonthlyPayment(amount, 24)
	if !monthly.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("Expected monthly payment 6000, got %s", monthly)
	}
}

func TestLoanProduct_ZeroRate(t *testing.T) {
	p := &LoanProduct{InterestRate: decimal.Zero}
	amount := decimal.NewFromInt(1200)

	if got := p.CalculateMonthlyPayment(amount, 12); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected 100, got %s", got)
	}
	if got := p.CalculateInterest(amount, 12); !got.IsZero() {
		t.Errorf("Expected zero interest, got %s", got)
	}
	if got := p.CalculateMonthlyPayment(amount, 0); !got.IsZero() {
		t.Errorf("Expected zero for zero tenure, got %s", got)
	}
}

func TestPaymentPurpose_Validate(t *testing.T) {
	if err := (PaymentPurpose{Kind: "bogus"}).Validate(); err == nil {
		t.Error("Expected error for unknown kind")
	}
	if err := (PaymentPurpose{Kind: PurposeLoanRepayment}).Validate(); err == nil {
		t.Error("Expected error for missing target")
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		amount string
		want   bool
	}{
		{"100", true},
		{"100.5", true},
		{"100.05", true},
		{"100.004", false},
		{"0.001", false},
		{"0", false},
		{"-5", false},
	}
	for _, tt := range tests {
		if got := ValidAmount(decimal.RequireFromString(tt.amount)); got != tt.want {
			t.Errorf("ValidAmount(%s) = %v, want %v", tt.amount, got, tt.want)
		}
	}
}

func TestMember_MonthsOfMembership(t *testing.T) {
	m := &Member{JoinedAt: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)}
	tests := []struct {
		at   time.Time
		want int
	}{
		{time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC), 5},
		{time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC), 6},
		{time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC), 0},
	}
	for _, tt := range tests {
		if got := m.MonthsOfMembership(tt.at); got != tt.want {
			t.Errorf("MonthsOfMembership(%s) = %d, want %d", tt.at.Format("2006-01-02"), got, tt.want)
		}
	}
}
