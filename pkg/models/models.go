package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusApproved  LoanStatus = "approved"
	LoanStatusRejected  LoanStatus = "rejected"
	LoanStatusCompleted LoanStatus = "completed"
)

type LoanType string

const (
	LoanTypePersonal  LoanType = "personal"
	LoanTypeHousing   LoanType = "housing"
	LoanTypeBusiness  LoanType = "business"
	LoanTypeEmergency LoanType = "emergency"
)

// Valid reports whether t is one of the known loan types.
func (t LoanType) Valid() bool {
	switch t {
	case LoanTypePersonal, LoanTypeHousing, LoanTypeBusiness, LoanTypeEmergency:
		return true
	}
	return false
}

type Loan struct {
	ID               uuid.UUID       `json:"id"`
	MemberID         uuid.UUID       `json:"member_id"`
	ProductID        uuid.UUID       `json:"product_id"`
	Amount           decimal.Decimal `json:"amount"`
	InterestRate     decimal.Decimal `json:"interest_rate"` // Annual percentage, copied from the product at application
	DurationMonths   int             `json:"duration_months"`
	Type             LoanType        `json:"type"`
	Purpose          string          `json:"purpose"`
	Status           LoanStatus      `json:"status"`
	MonthlyPayment   decimal.Decimal `json:"monthly_payment"`
	TotalAmount      decimal.Decimal `json:"total_amount"` // Amount + InterestAmount, fixed at application time
	InterestAmount   decimal.Decimal `json:"interest_amount"`
	ProcessingFee    decimal.Decimal `json:"processing_fee"`
	EmploymentStatus string          `json:"employment_status,omitempty"`
	EmployerName     string          `json:"employer_name,omitempty"`
	GuarantorName    string          `json:"guarantor_name,omitempty"`
	GuarantorPhone   string          `json:"guarantor_phone,omitempty"`
	ApplicationDate  time.Time       `json:"application_date"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	RejectedAt       *time.Time      `json:"rejected_at,omitempty"`
	RejectedBy       string          `json:"rejected_by,omitempty"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ScheduleStart is the date installments are counted from.
func (l *Loan) ScheduleStart() time.Time {
	if l.ApprovedAt != nil {
		return *l.ApprovedAt
	}
	return l.ApplicationDate
}

const RepaymentStatusPaid = "paid"

// LoanRepayment is one row of the append-only repayment ledger. A loan's
// repaid amount is always the sum of these rows.
type LoanRepayment struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	Amount        decimal.Decimal `json:"amount"`
	PrincipalPaid decimal.Decimal `json:"principal_paid"`
	InterestPaid  decimal.Decimal `json:"interest_paid"`
	DueDate       time.Time       `json:"due_date"`
	PaidAt        time.Time       `json:"paid_at"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        string          `json:"status"`
	Reference     string          `json:"reference"`
	CreatedAt     time.Time       `json:"created_at"`
}

type MemberStatus string

const (
	MemberStatusActive    MemberStatus = "active"
	MemberStatusInactive  MemberStatus = "inactive"
	MemberStatusSuspended MemberStatus = "suspended"
)

// Member is the cooperative profile of an authenticated user.
type Member struct {
	ID        uuid.UUID    `json:"id"`
	UserID    string       `json:"user_id"`
	FirstName string       `json:"first_name"`
	LastName  string       `json:"last_name"`
	Email     string       `json:"email"`
	Phone     string       `json:"phone,omitempty"`
	Status    MemberStatus `json:"status"`
	JoinedAt  time.Time    `json:"joined_at"`
	CreatedAt time.Time    `json:"created_at"`
}

// FullName joins first and last name.
func (m *Member) FullName() string {
	if m.LastName == "" {
		return m.FirstName
	}
	return m.FirstName + " " + m.LastName
}

// MonthsOfMembership counts whole months between JoinedAt and at.
func (m *Member) MonthsOfMembership(at time.Time) int {
	months := (at.Year()-m.JoinedAt.Year())*12 + int(at.Month()) - int(m.JoinedAt.Month())
	if at.Day() < m.JoinedAt.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

// AdminRecipient addresses a notification to every tenant administrator.
const AdminRecipient = "admins"

type Notification struct {
	ID        uuid.UUID         `json:"id"`
	Recipient string            `json:"recipient"` // Member id or AdminRecipient
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
