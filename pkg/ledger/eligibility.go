package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/store"
	"github.com/shopspring/decimal"
)

// Eligibility is the outcome of checking a member against a product.
type Eligibility struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons,omitempty"`
}

// EligibilityError carries every rule an application failed.
type EligibilityError struct {
	Reasons []string
}

func (e *EligibilityError) Error() string {
	return strings.Join(e.Reasons, "; ")
}

func (e *EligibilityError) Is(target error) bool {
	return target == ErrNotEligible
}

// CheckEligibility applies the product rules to a member. All failing rules
// are reported, not just the first.
func CheckEligibility(member *models.Member, product *models.LoanProduct, amount decimal.Decimal, tenure, openLoans int, at time.Time) Eligibility {
	var reasons []string

	if !product.Active {
		reasons = append(reasons, "loan product is not available")
	}
	if member.Status != models.MemberStatusActive {
		reasons = append(reasons, fmt.Sprintf("membership is %s", member.Status))
	}
	if months := member.MonthsOfMembership(at); months < product.MinMembershipMonths {
		reasons = append(reasons, fmt.Sprintf("requires %d months of membership, you have %d", product.MinMembershipMonths, months))
	}
	if !amount.IsPositive() {
		reasons = append(reasons, "amount must be greater than zero")
	} else {
		if amount.LessThan(product.MinAmount) {
			reasons = append(reasons, fmt.Sprintf("minimum amount is %s", product.MinAmount.StringFixed(2)))
		}
		if product.MaxAmount.IsPositive() && amount.GreaterThan(product.MaxAmount) {
			reasons = append(reasons, fmt.Sprintf("maximum amount is %s", product.MaxAmount.StringFixed(2)))
		}
	}
	if tenure <= 0 {
		reasons = append(reasons, "duration must be at least one month")
	} else {
		if tenure < product.MinTenureMonths {
			reasons = append(reasons, fmt.Sprintf("minimum duration is %d months", product.MinTenureMonths))
		}
		if product.MaxTenureMonths > 0 && tenure > product.MaxTenureMonths {
			reasons = append(reasons, fmt.Sprintf("maximum duration is %d months", product.MaxTenureMonths))
		}
	}
	if product.MaxActiveLoans > 0 && openLoans >= product.MaxActiveLoans {
		reasons = append(reasons, fmt.Sprintf("maximum of %d active loans reached", product.MaxActiveLoans))
	}

	return Eligibility{Eligible: len(reasons) == 0, Reasons: reasons}
}

// CheckEligibility previews an application without recording anything.
func (l *Ledger) CheckEligibility(ctx context.Context, memberID, productID uuid.UUID, amount decimal.Decimal, tenure int) (*Eligibility, error) {
	member, product, openLoans, err := l.eligibilityInputs(ctx, l.storage, memberID, productID)
	if err != nil {
		return nil, err
	}
	result := CheckEligibility(member, product, amount, tenure, openLoans, l.now().UTC())
	return &result, nil
}

func (l *Ledger) eligibilityInputs(ctx context.Context, s store.Storage, memberID, productID uuid.UUID) (*models.Member, *models.LoanProduct, int, error) {
	member, err := s.GetMember(ctx, memberID)
	if err != nil {
		return nil, nil, 0, err
	}
	product, err := s.GetLoanProduct(ctx, productID)
	if err != nil {
		return nil, nil, 0, err
	}
	openLoans, err := s.CountOpenLoans(ctx, memberID)
	if err != nil {
		return nil, nil, 0, err
	}
	return member, product, openLoans, nil
}

var typeKeywords = []struct {
	loanType models.LoanType
	words    []string
}{
	{models.LoanTypeHousing, []string{"house", "home", "mortgage", "housing"}},
	{models.LoanTypeBusiness, []string{"business", "enterprise"}},
	{models.LoanTypeEmergency, []string{"emergency", "urgent"}},
}

// InferLoanType uses the product's explicit type, or guesses one from its
// name. Anything unrecognized is a personal loan.
func InferLoanType(product *models.LoanProduct) models.LoanType {
	if product.Type.Valid() {
		return product.Type
	}
	name := strings.ToLower(product.Name)
	for _, k := range typeKeywords {
		for _, w := range k.words {
			if strings.Contains(name, w) {
				return k.loanType
			}
		}
	}
	return models.LoanTypePersonal
}
