package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
)

const memberColumns = `id, user_id, first_name, last_name, email, phone, status, joined_at, created_at`

// CreateMember inserts a new member. A second profile for the same user is rejected.
func (s *SQLStore) CreateMember(ctx context.Context, m *models.Member) error {
	_, err := s.exec(ctx,
		`INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.FirstName, m.LastName, m.Email, m.Phone, m.Status, m.JoinedAt.UTC(), m.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("member for user %s %w", m.UserID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

// GetMember retrieves a member by its ID.
func (s *SQLStore) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	row := s.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	return scanMember(row)
}

// GetMemberByUserID retrieves the member profile of an authenticated user.
func (s *SQLStore) GetMemberByUserID(ctx context.Context, userID string) (*models.Member, error) {
	row := s.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE user_id = ?`, userID)
	return scanMember(row)
}

// ListMembers retrieves all members ordered by join date.
func (s *SQLStore) ListMembers(ctx context.Context) ([]*models.Member, error) {
	rows, err := s.query(ctx, `SELECT `+memberColumns+` FROM members ORDER BY joined_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return members, nil
}

func scanMember(row rowScanner) (*models.Member, error) {
	var m models.Member
	err := row.Scan(&m.ID, &m.UserID, &m.FirstName, &m.LastName, &m.Email, &m.Phone, &m.Status, &m.JoinedAt, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	m.JoinedAt = m.JoinedAt.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}
