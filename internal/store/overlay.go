package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClearChat hides every message at or before at from userID in the
// conversation. The other participant is unaffected.
func (db *DB) ClearChat(ctx context.Context, userID, conversationID string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cleared_chats (user_id, conversation_id, cleared_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, conversation_id) DO UPDATE SET
			cleared_at = excluded.cleared_at`,
		userID, conversationID, toMicros(at))
	return err
}

// ClearedAt returns userID's clear cutoff for the conversation, if any.
func (db *DB) ClearedAt(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	var ts int64
	err := db.QueryRowContext(ctx,
		`SELECT cleared_at FROM cleared_chats WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMicros(ts), true, nil
}

// DeleteChat hides the conversation from userID's list and drops otherUserID
// from userID's recent chats. Nothing is removed for the other participant.
func (db *DB) DeleteChat(ctx context.Context, userID, conversationID, otherUserID string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_chats (user_id, conversation_id, deleted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, conversation_id) DO UPDATE SET
			deleted_at = excluded.deleted_at`,
		userID, conversationID, toMicros(at)); err != nil {
		return fmt.Errorf("upsert deleted chat: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM recent_chats WHERE user_id = ? AND other_user_id = ?`,
		userID, otherUserID); err != nil {
		return fmt.Errorf("remove recent chat: %w", err)
	}
	return tx.Commit()
}

// RestoreChat removes userID's deletion marker so the conversation shows up
// in their list again.
func (db *DB) RestoreChat(ctx context.Context, userID, conversationID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM deleted_chats WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID)
	return err
}

// DeletedAt returns userID's deletion marker for the conversation, if any.
func (db *DB) DeletedAt(ctx context.Context, userID, conversationID string) (time.Time, bool, error) {
	var ts int64
	err := db.QueryRowContext(ctx,
		`SELECT deleted_at FROM deleted_chats WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMicros(ts), true, nil
}

// MarkRead records that userID has seen the conversation up to at.
func (db *DB) MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO read_markers (user_id, conversation_id, read_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, conversation_id) DO UPDATE SET
			read_at = MAX(read_markers.read_at, excluded.read_at)`,
		userID, conversationID, toMicros(at))
	return err
}

// ListRecentChats returns userID's recent chat partners, newest first.
func (db *DB) ListRecentChats(ctx context.Context, userID string, limit int) ([]RecentChat, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, other_user_id, conversation_id, updated_at
		FROM recent_chats WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RecentChat
	for rows.Next() {
		var (
			rc RecentChat
			ts int64
		)
		if err := rows.Scan(&rc.UserID, &rc.OtherUserID, &rc.ConversationID, &ts); err != nil {
			return nil, err
		}
		rc.UpdatedAt = fromMicros(ts)
		out = append(out, rc)
	}
	return out, rows.Err()
}
