package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertProfile inserts or updates a profile. Empty fields keep the stored value.
func (db *DB) UpsertProfile(ctx context.Context, p *Profile) error {
	now := time.Now().UnixMicro()
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, university, push_token, push_token_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE profiles.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE profiles.avatar_url END,
			university = CASE WHEN excluded.university != '' THEN excluded.university ELSE profiles.university END,
			push_token = CASE WHEN excluded.push_token != '' THEN excluded.push_token ELSE profiles.push_token END,
			push_token_type = CASE WHEN excluded.push_token != '' THEN excluded.push_token_type ELSE profiles.push_token_type END,
			updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.AvatarURL, p.University, p.PushToken, p.PushTokenType, now)
	return err
}

// ClearPushToken removes a user's push target, e.g. after the push service
// reported the subscription gone.
func (db *DB) ClearPushToken(ctx context.Context, userID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE profiles SET push_token = '', push_token_type = '', updated_at = ? WHERE user_id = ?`,
		time.Now().UnixMicro(), userID)
	return err
}

// GetProfile returns a profile by user id or ErrNotFound.
func (db *DB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := db.QueryRowContext(ctx, `
		SELECT user_id, display_name, avatar_url, university, push_token, push_token_type
		FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.University, &p.PushToken, &p.PushTokenType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
