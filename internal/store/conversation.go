package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSamePair is returned when both sides of a conversation are the same user.
var ErrSamePair = errors.New("store: conversation needs two distinct users")

func orderPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// GetOrCreateConversation returns the id of the conversation between a and b,
// creating it on first contact. Argument order does not matter. The unique
// (user_low, user_high) constraint makes concurrent first contact from both
// sides converge on one row.
func (db *DB) GetOrCreateConversation(ctx context.Context, a, b string, now time.Time) (string, error) {
	if a == "" || b == "" {
		return "", errors.New("store: missing participant")
	}
	if a == b {
		return "", ErrSamePair
	}
	low, high := orderPair(a, b)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_low, user_high, created_at, last_message_at)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(user_low, user_high) DO NOTHING`,
		uuid.NewString(), low, high, toMicros(now)); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}

	var id string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE user_low = ? AND user_high = ?`, low, high).Scan(&id); err != nil {
		return "", fmt.Errorf("select conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetConversation returns a conversation by id or ErrNotFound.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		c                  Conversation
		created, lastMsgAt int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, user_low, user_high, created_at, last_message_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.UserA, &c.UserB, &created, &lastMsgAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMicros(created)
	c.LastMessageAt = fromMicros(lastMsgAt)
	return &c, nil
}

// ListConversations returns the conversations userID takes part in, most
// recently active first, enriched with the other participant's profile, the
// latest visible message and the unread count.
//
// A conversation the user deleted stays hidden until it sees activity newer
// than the deletion. Preview and unread count honour the user's clear cutoff.
func (db *DB) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := db.QueryContext(ctx, `
		WITH mine AS (
			SELECT c.id, c.last_message_at, c.created_at,
				CASE WHEN c.user_low = ?1 THEN c.user_high ELSE c.user_low END AS other_id,
				COALESCE(cc.cleared_at, 0) AS cutoff,
				COALESCE(rm.read_at, 0) AS read_at
			FROM conversations c
			LEFT JOIN cleared_chats cc ON cc.conversation_id = c.id AND cc.user_id = ?1
			LEFT JOIN read_markers rm ON rm.conversation_id = c.id AND rm.user_id = ?1
			WHERE (c.user_low = ?1 OR c.user_high = ?1)
			  AND NOT EXISTS (
				SELECT 1 FROM deleted_chats d
				WHERE d.user_id = ?1 AND d.conversation_id = c.id
				  AND d.deleted_at >= c.last_message_at
			  )
		)
		SELECT m.id, m.other_id,
			COALESCE(NULLIF(p.display_name, ''), m.other_id),
			COALESCE(p.avatar_url, ''), COALESCE(p.university, ''),
			COALESCE((
				SELECT content FROM messages
				WHERE conversation_id = m.id AND created_at > m.cutoff
				ORDER BY created_at DESC, seq DESC LIMIT 1
			), ''),
			m.last_message_at,
			(
				SELECT COUNT(*) FROM messages
				WHERE conversation_id = m.id AND sender_id = m.other_id
				  AND created_at > MAX(m.cutoff, m.read_at)
			)
		FROM mine m
		LEFT JOIN profiles p ON p.user_id = m.other_id
		ORDER BY MAX(m.last_message_at, m.created_at) DESC, m.id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ConversationSummary
	for rows.Next() {
		var (
			s      ConversationSummary
			lastAt int64
		)
		if err := rows.Scan(&s.ConversationID, &s.OtherUserID, &s.OtherName, &s.OtherAvatar,
			&s.OtherUniversity, &s.LastMessage, &lastAt, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.LastMessageAt = fromMicros(lastAt)
		out = append(out, s)
	}
	return out, rows.Err()
}
