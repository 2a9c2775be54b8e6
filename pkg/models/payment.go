package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodWallet       PaymentMethod = "wallet"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodWallet, PaymentMethodCard, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// ValidAmount reports whether d is a positive amount expressible in minor
// units. Gateways charge round(d*100), so anything finer could never settle.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(2))
}

type PaymentStatus string

const (
	PaymentStatusPending         PaymentStatus = "pending"          // Waiting on a gateway
	PaymentStatusPendingApproval PaymentStatus = "pending_approval" // Manual transfer waiting on an admin
	PaymentStatusCompleted       PaymentStatus = "completed"
	PaymentStatusFailed          PaymentStatus = "failed"
	PaymentStatusRejected        PaymentStatus = "rejected"
)

// Final reports whether no further transition is possible.
func (s PaymentStatus) Final() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed || s == PaymentStatusRejected
}

type PurposeKind string

const (
	PurposeLoanRepayment   PurposeKind = "loan_repayment"
	PurposeWalletTopUp     PurposeKind = "wallet_topup"
	PurposeStatutoryCharge PurposeKind = "statutory_charge"
)

var ErrInvalidPurpose = errors.New("invalid payment purpose")

// PaymentPurpose says what a payment settles. Kind selects the entity that
// TargetID points at; build one with the constructors below.
type PaymentPurpose struct {
	Kind     PurposeKind `json:"kind"`
	TargetID uuid.UUID   `json:"target_id"`
}

func LoanRepaymentPurpose(loanID uuid.UUID) PaymentPurpose {
	return PaymentPurpose{Kind: PurposeLoanRepayment, TargetID: loanID}
}

func WalletTopUpPurpose(walletID uuid.UUID) PaymentPurpose {
	return PaymentPurpose{Kind: PurposeWalletTopUp, TargetID: walletID}
}

func StatutoryChargePurpose(chargeID uuid.UUID) PaymentPurpose {
	return PaymentPurpose{Kind: PurposeStatutoryCharge, TargetID: chargeID}
}

// Validate rejects unknown kinds and missing targets.
func (p PaymentPurpose) Validate() error {
	switch p.Kind {
	case PurposeLoanRepayment, PurposeWalletTopUp, PurposeStatutoryCharge:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPurpose, p.Kind)
	}
	if p.TargetID == uuid.Nil {
		return fmt.Errorf("%w: %s without target", ErrInvalidPurpose, p.Kind)
	}
	return nil
}

// Payment is the envelope shared by every money movement that can go through
// a gateway or a manual transfer.
type Payment struct {
	ID               uuid.UUID         `json:"id"`
	Reference        string            `json:"reference"`
	MemberID         uuid.UUID         `json:"member_id"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Status           PaymentStatus     `json:"status"`
	Method           PaymentMethod     `json:"method"`
	Gateway          string            `json:"gateway,omitempty"`
	GatewayReference string            `json:"gateway_reference,omitempty"`
	BankAccountID    string            `json:"bank_account_id,omitempty"`
	EvidenceURL      string            `json:"evidence_url,omitempty"`
	Purpose          PaymentPurpose    `json:"purpose"`
	Metadata         map[string]string `json:"metadata,omitempty"` // Informational only, never used for routing
	FailureReason    string            `json:"failure_reason,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewReference builds a unique payment reference with a readable prefix.
func NewReference(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// BankAccount is a tenant's account for manual bank transfers.
type BankAccount struct {
	ID            string `json:"id" mapstructure:"id"`
	BankName      string `json:"bank_name" mapstructure:"bank_name"`
	AccountName   string `json:"account_name" mapstructure:"account_name"`
	AccountNumber string `json:"account_number" mapstructure:"account_number"`
	Primary       bool   `json:"primary" mapstructure:"primary"`
}
