// Package store persists rate windows and cache snapshots in libsql, either
// a local sqlite file or a remote Turso database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/cryptowealth/datahub/internal/config"
)

const driverLibsql = "libsql"

// Store implements engine.RateLimitStore and cache.SnapshotStore.
type Store struct {
	DB     *sql.DB
	driver string
	target target
}

// target is a resolved libsql DSN.
type target struct {
	dsn string
	// dir is created before opening a local file.
	dir   string
	local bool
}

// Open connects to the configured database and migrates it when
// cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = driverLibsql
	}
	if driver != driverLibsql {
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	t, err := resolveTarget(cfg)
	if err != nil {
		return nil, err
	}
	if t.dir != "" {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(t.dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open(driverLibsql, t.dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql store: %w", err)
	}
	if t.local {
		// One writer keeps local files free of SQLITE_BUSY while the
		// collector and request handlers share the gate.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping libsql store: %w", err)
	}

	s := &Store{DB: db, driver: driver, target: t}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	return s.DB.PingContext(ctx)
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Driver returns the configured store driver.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

// Local reports whether the store is a local file or in-memory database.
func (s *Store) Local() bool {
	return s != nil && s.target.local
}

// resolveTarget prefers cfg.URL (remote, with the auth token folded into
// the query) over cfg.Path (local file).
func resolveTarget(cfg config.StoreConfig) (target, error) {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		dsn, err := withAuthToken(raw, cfg.AuthToken)
		if err != nil {
			return target{}, err
		}
		return target{dsn: dsn, local: isLocalDSN(dsn)}, nil
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return target{}, errors.New("store path or url is required")
	case path == ":memory:":
		return target{dsn: path, local: true}, nil
	case strings.HasPrefix(path, "libsql:"):
		return target{dsn: path}, nil
	case strings.HasPrefix(path, "file:"):
		local, err := filePath(path)
		if err != nil {
			return target{}, err
		}
		return target{dsn: path, dir: parentDir(local), local: true}, nil
	}
	clean := filepath.Clean(path)
	return target{dsn: "file:" + clean, dir: parentDir(clean), local: true}, nil
}

func buildLibsqlDSN(cfg config.StoreConfig) (string, error) {
	t, err := resolveTarget(cfg)
	return t.dsn, err
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// filePath extracts the filesystem path from a file: DSN.
func filePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}
	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

// parentDir is the directory to create for path, or "" when none is needed.
func parentDir(path string) string {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return ""
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}

func isLocalDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}
