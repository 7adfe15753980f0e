package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/cryptowealth/datahub/internal/core/store"
	"github.com/cryptowealth/datahub/internal/observability"
	"github.com/cryptowealth/datahub/internal/output"
)

var (
	rateLimitListAll    bool
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted rate windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		query := store.RateLimitQuery{
			All:    rateLimitListAll,
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		if !query.All && query.Prefix == "" {
			query.All = true
		}

		entries, err := db.ListRateLimits(ctx, query)
		if err != nil {
			return err
		}

		if format == output.FormatTable && len(entries) == 0 {
			lines := []string{"Rate Limits", "", "(no stored rate limit state)"}
			_, err := fmt.Fprint(cmd.OutOrStdout(), ascii.DrawBox(strings.Join(lines, "\n"), 0))
			return err
		}
		return writeOutput(cmd, "rate-limit.list", output.RateLimitEntries(entries))
	},
}

var rateLimitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective window of every upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		svc, err := newServices(ctx, currentConfig(), observability.CLILogger)
		if err != nil {
			return err
		}
		defer svc.close(ctx) // nolint:errcheck // best-effort cleanup

		statuses, err := svc.gate.StatusAll(ctx)
		if err != nil {
			return err
		}
		return writeOutput(cmd, "rate-limit.status", output.RateStatuses(statuses))
	},
}

func init() {
	addOutputFlags(rateLimitListCmd)
	addOutputFlags(rateLimitStatusCmd)
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all upstreams")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List upstreams with matching prefix")
}
