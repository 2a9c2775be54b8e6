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

// CreateNotification inserts a notification.
func (s *SQLStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	data, err := encodeJSON(n.Data)
	if err != nil {
		return fmt.Errorf("failed to encode notification data: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO notifications (id, recipient, kind, title, body, data, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Recipient, n.Kind, n.Title, n.Body, data, utcPtr(n.ReadAt), n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// ListNotifications retrieves a recipient's notifications, newest first.
func (s *SQLStore) ListNotifications(ctx context.Context, recipient string) ([]*models.Notification, error) {
	rows, err := s.query(ctx,
		`SELECT id, recipient, kind, title, body, data, read_at, created_at
		FROM notifications WHERE recipient = ? ORDER BY created_at DESC`, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		var data string
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Kind, &n.Title, &n.Body, &data, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if err := decodeJSON(data, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to decode notification data: %w", err)
		}
		n.ReadAt = nullTime(readAt)
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

// MarkNotificationRead stamps read_at on a recipient's notification.
func (s *SQLStore) MarkNotificationRead(ctx context.Context, id uuid.UUID, recipient string, at time.Time) error {
	err := s.execOne(ctx, ErrNotificationNotFound,
		`UPDATE notifications SET read_at = ? WHERE id = ? AND recipient = ?`, at.UTC(), id, recipient)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return err
}
