package cmd

import (
	"context"
	"errors"

	"github.com/cryptowealth/datahub/internal/core/store"
)

// errNoPersistentStore is returned by admin commands when rate windows live
// only in process memory.
var errNoPersistentStore = errors.New("rate limit state is only persisted with store.driver=libsql")

func openStore(ctx context.Context) (*store.Store, error) {
	cfg := currentConfig()
	if cfg.Store.Driver != "libsql" {
		return nil, errNoPersistentStore
	}

	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
