package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PutMediaFile records (or replaces) a file held by the media cache.
func (db *DB) PutMediaFile(ctx context.Context, f *MediaFile) error {
	if err := db.ready(); err != nil {
		return err
	}
	lastAccess := f.LastAccess
	if lastAccess == 0 {
		lastAccess = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO media_files (key, source_url, mime, local_path, size, last_access)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source_url = excluded.source_url,
			mime = excluded.mime,
			local_path = excluded.local_path,
			size = excluded.size,
			last_access = excluded.last_access`,
		f.Key, f.SourceURL, f.MIME, f.LocalPath, f.Size, lastAccess)
	return err
}

// GetMediaFile returns the record for key, or nil when absent.
func (db *DB) GetMediaFile(ctx context.Context, key string) (*MediaFile, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	var f MediaFile
	err := db.QueryRowContext(ctx, `
		SELECT key, source_url, mime, local_path, size, last_access
		FROM media_files WHERE key = ?`, key).
		Scan(&f.Key, &f.SourceURL, &f.MIME, &f.LocalPath, &f.Size, &f.LastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// TouchMediaFile bumps the last access time of key.
func (db *DB) TouchMediaFile(ctx context.Context, key string, at int64) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `UPDATE media_files SET last_access = ? WHERE key = ?`, at, key)
	return err
}

// ListMediaFiles returns every media record, least recently accessed first.
func (db *DB) ListMediaFiles(ctx context.Context) ([]MediaFile, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT key, source_url, mime, local_path, size, last_access
		FROM media_files ORDER BY last_access, key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var files []MediaFile
	for rows.Next() {
		var f MediaFile
		if err := rows.Scan(&f.Key, &f.SourceURL, &f.MIME, &f.LocalPath, &f.Size, &f.LastAccess); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteMediaFile removes the record for key.
func (db *DB) DeleteMediaFile(ctx context.Context, key string) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `DELETE FROM media_files WHERE key = ?`, key)
	return err
}

// DeleteAllMediaFiles empties the media record table.
func (db *DB) DeleteAllMediaFiles(ctx context.Context) error {
	if err := db.ready(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `DELETE FROM media_files`)
	return err
}

// MediaTotalSize returns the summed size of every recorded media file.
func (db *DB) MediaTotalSize(ctx context.Context) (int64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM media_files`).Scan(&total)
	return total, err
}
