package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MaxDeliveryAttempts is the number of failed sends after which a pending
// notification is dead-lettered.
const MaxDeliveryAttempts = 3

// PendingNotifications returns up to limit undelivered notifications that
// still have attempts left, oldest first.
func (db *DB) PendingNotifications(ctx context.Context, limit int) ([]PendingNotification, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryNotifications(ctx, `
		WHERE delivered = 0 AND delivery_attempts < ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, MaxDeliveryAttempts, limit)
}

// DeadLetters returns undelivered notifications that exhausted their attempts,
// most recent attempt first.
func (db *DB) DeadLetters(ctx context.Context, limit int) ([]PendingNotification, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryNotifications(ctx, `
		WHERE delivered = 0 AND delivery_attempts >= ?
		ORDER BY last_attempt_at DESC, rowid DESC
		LIMIT ?`, MaxDeliveryAttempts, limit)
}

// GetNotification returns one queue row by id or ErrNotFound.
func (db *DB) GetNotification(ctx context.Context, id string) (*PendingNotification, error) {
	out, err := db.queryNotifications(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

func (db *DB) queryNotifications(ctx context.Context, where string, args ...any) ([]PendingNotification, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, message_id, sender_id, receiver_id, conversation_id,
			delivered, delivery_attempts, error_message, last_attempt_at, created_at
		FROM pending_notifications `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingNotification
	for rows.Next() {
		var (
			n                   PendingNotification
			lastAttempt, create int64
		)
		if err := rows.Scan(&n.ID, &n.MessageID, &n.SenderID, &n.ReceiverID, &n.ConversationID,
			&n.Delivered, &n.DeliveryAttempts, &n.ErrorMessage, &lastAttempt, &create); err != nil {
			return nil, err
		}
		n.LastAttemptAt = fromMicros(lastAttempt)
		n.CreatedAt = fromMicros(create)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsDelivered flags the rows as delivered. Repeating it is harmless.
func (db *DB) MarkNotificationsDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q, args := inClause(`
		UPDATE pending_notifications
		SET delivered = 1, error_message = '', last_attempt_at = ?
		WHERE id IN (%s)`, ids, toMicros(at))
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

// RecordNotificationFailure increments delivery_attempts on the undelivered
// rows, never past MaxDeliveryAttempts, and records the error.
func (db *DB) RecordNotificationFailure(ctx context.Context, ids []string, errMsg string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q, args := inClause(`
		UPDATE pending_notifications
		SET delivery_attempts = MIN(delivery_attempts + 1, ?), error_message = ?, last_attempt_at = ?
		WHERE delivered = 0 AND id IN (%s)`, ids, MaxDeliveryAttempts, errMsg, toMicros(at))
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

// DeadLetterNotifications moves the undelivered rows straight to the
// exhausted state. Used for permanent failures that retrying cannot fix.
func (db *DB) DeadLetterNotifications(ctx context.Context, ids []string, errMsg string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q, args := inClause(`
		UPDATE pending_notifications
		SET delivery_attempts = ?, error_message = ?, last_attempt_at = ?
		WHERE delivered = 0 AND id IN (%s)`, ids, MaxDeliveryAttempts, errMsg, toMicros(at))
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

// NotificationBacklog returns the number of rows still eligible for delivery.
func (db *DB) NotificationBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_notifications WHERE delivered = 0 AND delivery_attempts < ?`,
		MaxDeliveryAttempts).Scan(&n)
	return n, err
}

// inClause expands the single %s in query to one placeholder per id; the ids
// are appended after the leading args.
func inClause(query string, ids []string, leading ...any) (string, []any) {
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(leading)+len(ids))
	args = append(args, leading...)
	for _, id := range ids {
		args = append(args, id)
	}
	return fmt.Sprintf(query, ph), args
}
