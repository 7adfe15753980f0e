package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cryptowealth/datahub/internal/core"
)

// RateLimitEntry is one stored rate window.
type RateLimitEntry struct {
	Upstream string
	State    core.RateLimitState
}

// RateLimitQuery selects stored rate windows for admin commands. Exactly
// one of All, Upstream or Prefix is honoured, in that order.
type RateLimitQuery struct {
	All      bool
	Upstream string
	Prefix   string
}

// Validate requires an explicit selection so resets never run unscoped.
func (q RateLimitQuery) Validate() error {
	if q.All || strings.TrimSpace(q.Upstream) != "" || strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --upstream, or --prefix")
}

func (q RateLimitQuery) whereClause() (string, []any, error) {
	upstream, prefix := strings.TrimSpace(q.Upstream), strings.TrimSpace(q.Prefix)
	switch {
	case q.All:
		return "", nil, nil
	case upstream != "":
		return "WHERE upstream = ?", []any{upstream}, nil
	case prefix != "":
		return "WHERE upstream LIKE ?", []any{prefix + "%"}, nil
	}
	return "", nil, q.Validate()
}

// scope readies the store and renders q's WHERE clause.
func (s *Store) scope(ctx context.Context, q RateLimitQuery) (context.Context, string, []any, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return ctx, "", nil, err
	}
	where, args, err := q.whereClause()
	return ctx, where, args, err
}

// ListRateLimits returns matching windows ordered by upstream.
func (s *Store) ListRateLimits(ctx context.Context, q RateLimitQuery) ([]RateLimitEntry, error) {
	ctx, where, args, err := s.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT upstream, request_count, window_start, backoff_until, last_429_at
		FROM rate_limits `+where+`
		ORDER BY upstream`, args...)
	if err != nil {
		return nil, fmt.Errorf("query rate_limits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []RateLimitEntry
	for rows.Next() {
		entry, err := scanRateState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate_limits row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate_limits: %w", err)
	}
	if entries == nil {
		entries = []RateLimitEntry{}
	}
	return entries, nil
}

// CountRateLimits counts windows matching q.
func (s *Store) CountRateLimits(ctx context.Context, q RateLimitQuery) (int, error) {
	ctx, where, args, err := s.scope(ctx, q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_limits `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rate_limits: %w", err)
	}
	return n, nil
}

// ResetRateLimits deletes matching windows and returns the number removed.
// The gate starts a fresh window for a reset upstream on its next request.
func (s *Store) ResetRateLimits(ctx context.Context, q RateLimitQuery) (int64, error) {
	ctx, where, args, err := s.scope(ctx, q)
	if err != nil {
		return 0, err
	}
	result, err := s.DB.ExecContext(ctx, `DELETE FROM rate_limits `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete rate_limits: %w", err)
	}
	return result.RowsAffected()
}
