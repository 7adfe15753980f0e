package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cryptowealth/datahub/internal/core"
)

var errNotInitialized = errors.New("store is not initialized")

// ready guards every query method against a nil store and a nil context.
func (s *Store) ready(ctx context.Context) (context.Context, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, nil
}

// GetRateLimit returns the stored window for upstream, or nil if none.
func (s *Store) GetRateLimit(ctx context.Context, upstream string) (*core.RateLimitState, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return nil, errors.New("upstream is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT upstream, request_count, window_start, backoff_until, last_429_at
		FROM rate_limits
		WHERE upstream = ?
	`, upstream)
	entry, err := scanRateState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}
	return &entry.State, nil
}

// UpdateRateLimit upserts the window for upstream.
func (s *Store) UpdateRateLimit(ctx context.Context, upstream string, state *core.RateLimitState) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return errors.New("upstream is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO rate_limits (upstream, request_count, window_start, backoff_until, last_429_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(upstream) DO UPDATE SET
			request_count = excluded.request_count,
			window_start = excluded.window_start,
			backoff_until = excluded.backoff_until,
			last_429_at = excluded.last_429_at
	`, upstream, state.RequestCount, state.WindowStart.UTC().UnixMilli(), nullMillis(state.BackoffUntil), nullMillis(state.Last429At))
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRateState reads one rate_limits row. Timestamps are unix milliseconds
// so sub-second windows survive a round trip.
func scanRateState(row rowScanner) (RateLimitEntry, error) {
	var (
		entry        RateLimitEntry
		windowStart  int64
		backoffUntil sql.NullInt64
		last429At    sql.NullInt64
	)
	if err := row.Scan(&entry.Upstream, &entry.State.RequestCount, &windowStart, &backoffUntil, &last429At); err != nil {
		return RateLimitEntry{}, err
	}
	entry.State.WindowStart = time.UnixMilli(windowStart).UTC()
	entry.State.BackoffUntil = fromNullMillis(backoffUntil)
	entry.State.Last429At = fromNullMillis(last429At)
	return entry, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
