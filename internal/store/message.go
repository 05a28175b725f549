package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Validation errors for the message log.
var (
	ErrEmptyContent   = errors.New("store: message content is empty")
	ErrNotParticipant = errors.New("store: sender is not a participant")
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newMessageID returns a ULID that sorts after every id issued earlier in this process.
func newMessageID(now time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// AppendMessageInput describes a message append.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Now            time.Time
}

// AppendMessage appends to a conversation's log. In the same transaction it
// bumps the conversation's last activity, refreshes both participants'
// recent-chat rows and enqueues a notification for the receiver.
func (db *DB) AppendMessage(ctx context.Context, in AppendMessageInput) (*Message, *PendingNotification, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, nil, ErrEmptyContent
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var low, high string
	err = tx.QueryRowContext(ctx,
		`SELECT user_low, user_high FROM conversations WHERE id = ?`, in.ConversationID).Scan(&low, &high)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load conversation: %w", err)
	}
	var receiver string
	switch in.SenderID {
	case low:
		receiver = high
	case high:
		receiver = low
	default:
		return nil, nil, ErrNotParticipant
	}

	id, err := newMessageID(now)
	if err != nil {
		return nil, nil, fmt.Errorf("message id: %w", err)
	}
	ts := toMicros(now)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, in.ConversationID, in.SenderID, in.Content, ts)
	if err != nil {
		return nil, nil, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = MAX(last_message_at, ?) WHERE id = ?`,
		ts, in.ConversationID); err != nil {
		return nil, nil, fmt.Errorf("touch conversation: %w", err)
	}

	for _, pair := range [][2]string{{in.SenderID, receiver}, {receiver, in.SenderID}} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recent_chats (user_id, other_user_id, conversation_id, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, other_user_id) DO UPDATE SET
				conversation_id = excluded.conversation_id,
				updated_at = excluded.updated_at`,
			pair[0], pair[1], in.ConversationID, ts); err != nil {
			return nil, nil, fmt.Errorf("recent chat: %w", err)
		}
	}

	pn := &PendingNotification{
		ID:             uuid.NewString(),
		MessageID:      id,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		ConversationID: in.ConversationID,
		CreatedAt:      fromMicros(ts),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pending_notifications (id, message_id, sender_id, receiver_id, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pn.ID, pn.MessageID, pn.SenderID, pn.ReceiverID, pn.ConversationID, ts); err != nil {
		return nil, nil, fmt.Errorf("enqueue notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	return &Message{
		Seq:            seq,
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		CreatedAt:      fromMicros(ts),
	}, pn, nil
}

// FetchMessagesInput selects a page of a conversation as seen by ViewerID.
type FetchMessagesInput struct {
	ConversationID string
	ViewerID       string
	Offset         int
	Limit          int
}

// FetchMessages returns a page of messages visible to the viewer. Messages at
// or before the viewer's clear cutoff are filtered out before pagination. The
// page is taken newest-first and returned oldest-first for display.
func (db *DB) FetchMessages(ctx context.Context, in FetchMessagesInput) ([]Message, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := in.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.QueryContext(ctx, `
		SELECT m.seq, m.id, m.conversation_id, m.sender_id, m.content, m.created_at
		FROM messages m
		WHERE m.conversation_id = ?1
		  AND m.created_at > COALESCE((
			SELECT cleared_at FROM cleared_chats
			WHERE user_id = ?2 AND conversation_id = ?1
		  ), 0)
		ORDER BY m.created_at DESC, m.seq DESC
		LIMIT ?3 OFFSET ?4`,
		in.ConversationID, in.ViewerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage returns a message by id or ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT seq, id, conversation_id, sender_id, content, created_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		m  Message
		ts int64
	)
	if err := s.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.SenderID, &m.Content, &ts); err != nil {
		return Message{}, err
	}
	m.CreatedAt = fromMicros(ts)
	return m, nil
}
