package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mcclellann/coopledger/pkg/models"
)

const paymentColumns = `id, reference, member_id, amount, currency, status, method, gateway, gateway_reference,
	bank_account_id, evidence_url, purpose_kind, purpose_target, metadata, failure_reason, completed_at,
	created_at, updated_at`

// CreatePayment inserts a payment envelope. The purpose must be valid.
func (s *SQLStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := p.Purpose.Validate(); err != nil {
		return err
	}
	meta, err := encodeJSON(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode payment metadata: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Reference, p.MemberID, p.Amount, p.Currency, p.Status, p.Method, p.Gateway, p.GatewayReference,
		p.BankAccountID, p.EvidenceURL, p.Purpose.Kind, p.Purpose.TargetID, meta, p.FailureReason,
		utcPtr(p.CompletedAt), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment %s %w", p.Reference, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPaymentByReference retrieves a payment by its own reference.
func (s *SQLStore) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	return scanPayment(s.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = ?`, reference))
}

// GetPaymentByGatewayReference retrieves a payment by the reference a gateway assigned to it.
func (s *SQLStore) GetPaymentByGatewayReference(ctx context.Context, gateway, reference string) (*models.Payment, error) {
	return scanPayment(s.queryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway = ? AND gateway_reference = ?`, gateway, reference))
}

// UpdatePayment writes status and gateway fields. Amount and purpose are immutable.
func (s *SQLStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	meta, err := encodeJSON(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode payment metadata: %w", err)
	}
	err = s.execOne(ctx, ErrPaymentNotFound,
		`UPDATE payments SET status = ?, gateway = ?, gateway_reference = ?, bank_account_id = ?, evidence_url = ?,
		metadata = ?, failure_reason = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		p.Status, p.Gateway, p.GatewayReference, p.BankAccountID, p.EvidenceURL, meta, p.FailureReason,
		utcPtr(p.CompletedAt), p.UpdatedAt.UTC(), p.ID,
	)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return err
}

// TransitionPayment is UpdatePayment guarded by the status the caller last
// read. It returns ErrStatusChanged when another writer got there first.
func (s *SQLStore) TransitionPayment(ctx context.Context, p *models.Payment, from models.PaymentStatus) error {
	err := s.execOne(ctx, ErrStatusChanged,
		`UPDATE payments SET status = ?, failure_reason = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		p.Status, p.FailureReason, utcPtr(p.CompletedAt), p.UpdatedAt.UTC(), p.ID, from,
	)
	if err != nil && !errors.Is(err, ErrStatusChanged) {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	return err
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var meta string
	var completedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Reference, &p.MemberID, &p.Amount, &p.Currency, &p.Status, &p.Method, &p.Gateway,
		&p.GatewayReference, &p.BankAccountID, &p.EvidenceURL, &p.Purpose.Kind, &p.Purpose.TargetID, &meta,
		&p.FailureReason, &completedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	if err := decodeJSON(meta, &p.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode payment metadata: %w", err)
	}
	p.CompletedAt = nullTime(completedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
