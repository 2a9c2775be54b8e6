package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
)

// CreateChargeType inserts a statutory charge type.
func (s *SQLStore) CreateChargeType(ctx context.Context, t *models.StatutoryChargeType) error {
	_, err := s.exec(ctx,
		`INSERT INTO statutory_charge_types (id, name, amount, frequency, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Amount, t.Frequency, t.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create charge type: %w", err)
	}
	return nil
}

// GetChargeType retrieves a statutory charge type by its ID.
func (s *SQLStore) GetChargeType(ctx context.Context, id uuid.UUID) (*models.StatutoryChargeType, error) {
	var t models.StatutoryChargeType
	err := s.queryRow(ctx,
		`SELECT id, name, amount, frequency, created_at FROM statutory_charge_types WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Amount, &t.Frequency, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChargeTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge type: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

const chargeColumns = `id, member_id, type_id, amount, due_date, status, paid_at, created_at, updated_at`

// CreateCharge inserts one materialized charge.
func (s *SQLStore) CreateCharge(ctx context.Context, c *models.StatutoryCharge) error {
	_, err := s.exec(ctx,
		`INSERT INTO statutory_charges (`+chargeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.MemberID, c.TypeID, c.Amount, c.DueDate.UTC(), c.Status, utcPtr(c.PaidAt),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create charge: %w", err)
	}
	return nil
}

// GetCharge retrieves a charge by its ID.
func (s *SQLStore) GetCharge(ctx context.Context, id uuid.UUID) (*models.StatutoryCharge, error) {
	return scanCharge(s.queryRow(ctx, `SELECT `+chargeColumns+` FROM statutory_charges WHERE id = ?`, id))
}

// UpdateCharge writes status and payment time.
func (s *SQLStore) UpdateCharge(ctx context.Context, c *models.StatutoryCharge) error {
	err := s.execOne(ctx, ErrChargeNotFound,
		`UPDATE statutory_charges SET status = ?, paid_at = ?, updated_at = ? WHERE id = ?`,
		c.Status, utcPtr(c.PaidAt), c.UpdatedAt.UTC(), c.ID,
	)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	return err
}

// ListChargesForMember retrieves a member's charges by due date.
func (s *SQLStore) ListChargesForMember(ctx context.Context, memberID uuid.UUID) ([]*models.StatutoryCharge, error) {
	return s.listCharges(ctx,
		`SELECT `+chargeColumns+` FROM statutory_charges WHERE member_id = ? ORDER BY due_date ASC`, memberID)
}

// ListPendingChargesDue retrieves pending charges whose due date is not after before.
func (s *SQLStore) ListPendingChargesDue(ctx context.Context, before time.Time) ([]*models.StatutoryCharge, error) {
	return s.listCharges(ctx,
		`SELECT `+chargeColumns+` FROM statutory_charges WHERE status = ? AND due_date <= ? ORDER BY due_date ASC`,
		models.ChargeStatusPending, before.UTC())
}

func (s *SQLStore) listCharges(ctx context.Context, q string, args ...any) ([]*models.StatutoryCharge, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	defer rows.Close()

	var charges []*models.StatutoryCharge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return charges, nil
}

func scanCharge(row rowScanner) (*models.StatutoryCharge, error) {
	var c models.StatutoryCharge
	var paidAt sql.NullTime
	err := row.Scan(&c.ID, &c.MemberID, &c.TypeID, &c.Amount, &c.DueDate, &c.Status, &paidAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan charge: %w", err)
	}
	c.DueDate = c.DueDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.PaidAt = nullTime(paidAt)
	return &c, nil
}
