package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveCacheSnapshot stores a serialized cache under key, replacing any previous snapshot.
func (s *Store) SaveCacheSnapshot(ctx context.Context, key string, blob []byte) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("snapshot key is required")
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO cache_snapshots (snapshot_key, payload, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(snapshot_key) DO UPDATE SET
			payload = excluded.payload,
			saved_at = excluded.saved_at
	`, key, string(blob), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("store cache snapshot: %w", err)
	}
	return nil
}

// LoadCacheSnapshot returns the snapshot stored under key, or nil when absent.
func (s *Store) LoadCacheSnapshot(ctx context.Context, key string) ([]byte, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("snapshot key is required")
	}

	var payload string
	row := s.DB.QueryRowContext(ctx, `SELECT payload FROM cache_snapshots WHERE snapshot_key = ?`, key)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch cache snapshot: %w", err)
	}
	return []byte(payload), nil
}

// DeleteCacheSnapshot removes the snapshot stored under key.
func (s *Store) DeleteCacheSnapshot(ctx context.Context, key string) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM cache_snapshots WHERE snapshot_key = ?`, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("delete cache snapshot: %w", err)
	}
	return nil
}
