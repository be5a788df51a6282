package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertProfile inserts or updates a cached profile. An empty avatar local
// path keeps the recorded one as long as the avatar URL did not change.
func (db *DB) UpsertProfile(ctx context.Context, p *Profile) error {
	if err := db.ready(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	cachedAt := p.CachedAt
	if cachedAt == 0 {
		cachedAt = now
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, username, display_name, avatar_url, avatar_local_path, bio, last_seen, cached_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			avatar_local_path = CASE
				WHEN excluded.avatar_local_path != '' THEN excluded.avatar_local_path
				WHEN excluded.avatar_url = profiles.avatar_url THEN profiles.avatar_local_path
				ELSE '' END,
			avatar_url = excluded.avatar_url,
			bio = excluded.bio,
			last_seen = MAX(profiles.last_seen, excluded.last_seen),
			cached_at = excluded.cached_at,
			updated_at = excluded.updated_at`,
		p.UserID, p.Username, p.DisplayName, p.AvatarURL, p.AvatarLocalPath, p.Bio, p.LastSeen, cachedAt, now)
	return err
}

// SetAvatarLocalPath records the downloaded avatar file of a profile.
func (db *DB) SetAvatarLocalPath(ctx context.Context, userID, avatarURL, path string) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		UPDATE profiles SET avatar_local_path = ?, updated_at = ?
		WHERE user_id = ? AND avatar_url = ?`,
		path, time.Now().UnixMilli(), userID, avatarURL)
	return err
}

// GetProfile returns a cached profile by user id, or nil when absent.
func (db *DB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	var p Profile
	err := db.QueryRowContext(ctx, `
		SELECT user_id, username, display_name, avatar_url, avatar_local_path, bio, last_seen, cached_at, updated_at
		FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.AvatarLocalPath, &p.Bio, &p.LastSeen, &p.CachedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProfile removes a cached profile.
func (db *DB) DeleteProfile(ctx context.Context, userID string) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ?`, userID)
	return err
}

// DeleteAllProfiles empties the profile cache table.
func (db *DB) DeleteAllProfiles(ctx context.Context) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `DELETE FROM profiles`)
	return err
}
