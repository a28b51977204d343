package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AddTempFile stores a transient blob. Fails with ErrDuplicateKey on an
// existing id.
func (db *DB) AddTempFile(f *TempFile) error {
	_, err := db.Exec(`INSERT INTO temp_files (id, name, content) VALUES (?, ?, ?)`,
		f.ID, f.Name, f.Content)
	if isDuplicate(err) {
		return fmt.Errorf("add temp file %q: %w", f.ID, ErrDuplicateKey)
	}
	return err
}

// GetTempFile returns a transient blob by id, or nil.
func (db *DB) GetTempFile(id string) (*TempFile, error) {
	var f TempFile
	err := db.QueryRow(`SELECT id, name, content FROM temp_files WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteTempFile removes a transient blob once its owner is reconciled.
func (db *DB) DeleteTempFile(id string) error {
	_, err := db.Exec(`DELETE FROM temp_files WHERE id = ?`, id)
	return err
}

// UpsertProfileMedia caches a user's avatar/banner blobs. Nil blobs keep the
// cached value.
func (db *DB) UpsertProfileMedia(m *ProfileMedia) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO profile_media (user_id, avatar, banner, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			avatar = CASE WHEN excluded.avatar IS NOT NULL THEN excluded.avatar ELSE profile_media.avatar END,
			banner = CASE WHEN excluded.banner IS NOT NULL THEN excluded.banner ELSE profile_media.banner END,
			updated_at = excluded.updated_at`,
		m.UserID, m.Avatar, m.Banner, now)
	return err
}

// GetProfileMedia returns a user's cached media blobs, or nil.
func (db *DB) GetProfileMedia(userID string) (*ProfileMedia, error) {
	var m ProfileMedia
	err := db.QueryRow(`SELECT user_id, avatar, banner FROM profile_media WHERE user_id = ?`, userID).
		Scan(&m.UserID, &m.Avatar, &m.Banner)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
