package store

import (
	"database/sql"
	"fmt"
	"time"
)

const friendUpsertSQL = `
	INSERT INTO friends (id, username, email, full_name, bio, location, avatar_ref, banner_ref, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = CASE WHEN excluded.username != '' THEN excluded.username ELSE friends.username END,
		email = CASE WHEN excluded.email != '' THEN excluded.email ELSE friends.email END,
		full_name = CASE WHEN excluded.full_name != '' THEN excluded.full_name ELSE friends.full_name END,
		bio = CASE WHEN excluded.bio != '' THEN excluded.bio ELSE friends.bio END,
		location = CASE WHEN excluded.location != '' THEN excluded.location ELSE friends.location END,
		avatar_ref = CASE WHEN excluded.avatar_ref != '' THEN excluded.avatar_ref ELSE friends.avatar_ref END,
		banner_ref = CASE WHEN excluded.banner_ref != '' THEN excluded.banner_ref ELSE friends.banner_ref END,
		updated_at = excluded.updated_at`

// UpsertFriend inserts or updates a friend profile. Empty incoming fields
// keep the cached value; set fields overwrite it (last write wins).
func (db *DB) UpsertFriend(f *Friend) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(friendUpsertSQL,
		f.ID, f.Username, f.Email, f.FullName, f.Bio, f.Location, f.AvatarRef, f.BannerRef, now)
	return err
}

// BatchUpsertFriends applies a friend delta in one transaction.
func (db *DB) BatchUpsertFriends(friends []*Friend) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	batchErr := &BatchError{}
	for _, f := range friends {
		if _, err := tx.Exec(friendUpsertSQL,
			f.ID, f.Username, f.Email, f.FullName, f.Bio, f.Location, f.AvatarRef, f.BannerRef, now); err != nil {
			batchErr.add(f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return batchErr.orNil()
}

// GetFriend returns a friend by id, or nil if not cached.
func (db *DB) GetFriend(id string) (*Friend, error) {
	return db.queryFriend(`
		SELECT id, username, email, full_name, bio, location, avatar_ref, banner_ref, updated_at
		FROM friends WHERE id = ?`, id)
}

// GetFriendByUsername looks a friend up through the unique username index.
func (db *DB) GetFriendByUsername(username string) (*Friend, error) {
	return db.queryFriend(`
		SELECT id, username, email, full_name, bio, location, avatar_ref, banner_ref, updated_at
		FROM friends WHERE username = ?`, username)
}

// ListFriends returns all cached friends ordered by username.
func (db *DB) ListFriends() ([]Friend, error) {
	rows, err := db.Query(`
		SELECT id, username, email, full_name, bio, location, avatar_ref, banner_ref, updated_at
		FROM friends ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var friends []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.ID, &f.Username, &f.Email, &f.FullName, &f.Bio, &f.Location, &f.AvatarRef, &f.BannerRef, &f.UpdatedAt); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

func (db *DB) queryFriend(query string, arg any) (*Friend, error) {
	var f Friend
	err := db.QueryRow(query, arg).
		Scan(&f.ID, &f.Username, &f.Email, &f.FullName, &f.Bio, &f.Location, &f.AvatarRef, &f.BannerRef, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
