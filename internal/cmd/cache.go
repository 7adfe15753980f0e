package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryptowealth/datahub/internal/core/collector"
	"github.com/cryptowealth/datahub/internal/observability"
	"github.com/cryptowealth/datahub/internal/output"
)

var cacheClearYes bool

var errNoSnapshot = errors.New("no cache snapshot backend configured (set cache.snapshot to store or redis)")

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the persisted result cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries in the cache snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *services) error {
			if svc.snapshot == nil {
				return errNoSnapshot
			}
			// Listing reads the snapshot even when restore_on_start is off.
			if err := svc.restoreSnapshot(ctx); err != nil {
				return fmt.Errorf("load cache snapshot: %w", err)
			}
			return writeOutput(cmd, "cache.list", output.CacheEntries(svc.cache.Entries()))
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cache snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cacheClearYes {
			return errors.New("clear requires --yes")
		}
		return withServices(cmd, func(ctx context.Context, svc *services) error {
			if svc.snapshot == nil {
				return errNoSnapshot
			}
			cleared := svc.cache.Clear()
			if err := svc.snapshot.DeleteCacheSnapshot(ctx, svc.cfg.Cache.SnapshotKey); err != nil {
				return err
			}
			// Nothing left to persist on close.
			svc.snapshot = nil
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cache entr(ies)\n", cleared)
			return err
		})
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection cycle and persist the cache",
	Long: `Refresh the market listing, global totals and configured staking coins
through the cache, then persist the snapshot if a backend is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *services) error {
			report, err := newCollector(svc).RunOnce(ctx)
			if werr := writeOutput(cmd, "collect", report); werr != nil {
				return werr
			}
			return err
		})
	},
}

// newCollector builds a collector from the collector config.
func newCollector(svc *services) *collector.Collector {
	cfg := svc.cfg.Collector
	// Without a stale fallback nothing past its TTL is ever served.
	pruneAge := svc.cfg.Cache.StaleMaxAge
	if !svc.cfg.Cache.StaleFallback {
		pruneAge = max(svc.cfg.Cache.TTL, svc.cfg.Cache.StakingTTL)
	}
	return &collector.Collector{
		Set:          svc.set,
		Cache:        svc.cache,
		Interval:     cfg.Interval,
		Currency:     cfg.Currency,
		Limit:        cfg.Limit,
		StakingCoins: cfg.StakingCoins,
		Snapshot:     svc.snapshot,
		SnapshotKey:  svc.cfg.Cache.SnapshotKey,
		PruneAge:     pruneAge,
		Logger:       observability.Logger(),
	}
}

func init() {
	addOutputFlags(cacheListCmd)
	addOutputFlags(collectCmd)
	cacheClearCmd.Flags().BoolVar(&cacheClearYes, "yes", false, "Confirm deleting the snapshot")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(collectCmd)
}
