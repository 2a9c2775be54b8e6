package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ChargeFrequency string

const (
	FrequencyMonthly    ChargeFrequency = "monthly"
	FrequencyQuarterly  ChargeFrequency = "quarterly"
	FrequencyBiAnnually ChargeFrequency = "bi_annually"
	FrequencyAnnually   ChargeFrequency = "annually"
	FrequencyOneTime    ChargeFrequency = "one_time"
)

type ChargeStatus string

const (
	ChargeStatusApproved ChargeStatus = "approved" // Payable now
	ChargeStatusPending  ChargeStatus = "pending"  // Materialized ahead of its due date
	ChargeStatusPaid     ChargeStatus = "paid"
)

type StatutoryChargeType struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	Frequency ChargeFrequency `json:"frequency"`
	CreatedAt time.Time       `json:"created_at"`
}

type StatutoryCharge struct {
	ID        uuid.UUID       `json:"id"`
	MemberID  uuid.UUID       `json:"member_id"`
	TypeID    uuid.UUID       `json:"type_id"`
	Amount    decimal.Decimal `json:"amount"`
	DueDate   time.Time       `json:"due_date"`
	Status    ChargeStatus    `json:"status"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
