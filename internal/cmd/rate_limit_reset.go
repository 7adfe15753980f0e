package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cryptowealth/datahub/internal/core/store"
)

var (
	rateLimitResetAll      bool
	rateLimitResetUpstream string
	rateLimitResetPrefix   string
	rateLimitResetYes      bool
	rateLimitResetDryRun   bool
)

// rateLimitResetResult is the outcome of a reset.
type rateLimitResetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

// Table renders the outcome as one line.
func (r rateLimitResetResult) Table() string {
	if r.DryRun {
		return fmt.Sprintf("Would delete %d rate limit entr(ies)", r.Matched)
	}
	return fmt.Sprintf("Deleted %d/%d rate limit entr(ies)", r.Deleted, r.Matched)
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset persisted rate windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		query := store.RateLimitQuery{
			All:      rateLimitResetAll,
			Upstream: strings.TrimSpace(rateLimitResetUpstream),
			Prefix:   strings.TrimSpace(rateLimitResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}

		if query.All && !rateLimitResetYes && !rateLimitResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountRateLimits(ctx, query)
		if err != nil {
			return err
		}

		result := rateLimitResetResult{Matched: matched, DryRun: rateLimitResetDryRun}
		if !rateLimitResetDryRun {
			result.Deleted, err = db.ResetRateLimits(ctx, query)
			if err != nil {
				return err
			}
		}
		return writeOutput(cmd, "rate-limit.reset", result)
	},
}

func init() {
	addOutputFlags(rateLimitResetCmd)
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetAll, "all", false, "Reset all upstreams")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetUpstream, "upstream", "", "Reset a single upstream (exact match)")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetPrefix, "prefix", "", "Reset upstreams with matching prefix")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
}
