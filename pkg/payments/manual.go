package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNoBankAccounts      = errors.New("no bank accounts configured for manual payments")
	ErrBankAccountRequired = errors.New("bank_account_id is required when several accounts are configured")
	ErrUnknownBankAccount  = errors.New("unknown bank account")
	ErrEvidenceRequired    = errors.New("evidence_url is required for bank transfers")
)

// ManualConfig is a tenant's setup for bank transfers approved by an admin.
type ManualConfig struct {
	Accounts        []models.BankAccount `mapstructure:"bank_accounts"`
	RequireEvidence bool                 `mapstructure:"require_evidence"`
}

// SelectAccount picks the account a transfer is paid into: the explicit id
// when given, otherwise the primary account, otherwise the only account.
func (c ManualConfig) SelectAccount(id string) (*models.BankAccount, error) {
	if len(c.Accounts) == 0 {
		return nil, ErrNoBankAccounts
	}
	if id != "" {
		for i := range c.Accounts {
			if c.Accounts[i].ID == id {
				return &c.Accounts[i], nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownBankAccount, id)
	}
	for i := range c.Accounts {
		if c.Accounts[i].Primary {
			return &c.Accounts[i], nil
		}
	}
	if len(c.Accounts) == 1 {
		return &c.Accounts[0], nil
	}
	return nil, ErrBankAccountRequired
}

// Prepare validates a bank transfer request and returns the target account.
func (c ManualConfig) Prepare(bankAccountID, evidenceURL string) (*models.BankAccount, error) {
	if c.RequireEvidence && strings.TrimSpace(evidenceURL) == "" {
		return nil, ErrEvidenceRequired
	}
	return c.SelectAccount(bankAccountID)
}

// Instructions tell the payer where to send a bank transfer.
type Instructions struct {
	Reference string             `json:"reference"`
	Account   models.BankAccount `json:"bank_account"`
	Status    string             `json:"status"`
}

// NewPayment builds an unsaved payment envelope. The initial status follows
// the method: wallet payments complete at once, card payments wait on a
// gateway and bank transfers wait on an administrator.
func NewPayment(prefix string, memberID uuid.UUID, amount decimal.Decimal, currency string,
	method models.PaymentMethod, purpose models.PaymentPurpose, now time.Time) *models.Payment {
	now = now.UTC()
	p := &models.Payment{
		ID:        uuid.New(),
		Reference: models.NewReference(prefix),
		MemberID:  memberID,
		Amount:    amount,
		Currency:  currency,
		Method:    method,
		Purpose:   purpose,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch method {
	case models.PaymentMethodWallet:
		p.Status = models.PaymentStatusCompleted
		p.CompletedAt = &now
	case models.PaymentMethodBankTransfer:
		p.Status = models.PaymentStatusPendingApproval
	default:
		p.Status = models.PaymentStatusPending
	}
	return p
}
