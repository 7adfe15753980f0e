package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cryptowealth/datahub/internal/core/upstream"
	"github.com/cryptowealth/datahub/internal/observability"
	"github.com/cryptowealth/datahub/internal/output"
)

var (
	pricesCurrency string
	pricesLimit    int
	pricesPage     int
	coinCurrency   string
)

// commandContext is cmd's context, or Background when cmd was not started
// through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withServices runs fn against freshly built services and persists the
// cache snapshot afterwards so consecutive invocations share results.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *services) error) error {
	ctx := commandContext(cmd)
	svc, err := newServices(ctx, currentConfig(), observability.CLILogger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, svc)
	if err := svc.close(ctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "List coins by market cap",
	Long: `List coins by market cap from CoinGecko, falling back to CoinMarketCap
when CoinGecko fails and a CoinMarketCap key is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *services) error {
			overview, err := svc.set.Market.Overview(ctx, upstream.MarketsQuery{
				Currency: pricesCurrency,
				Limit:    pricesLimit,
				Page:     pricesPage,
			})
			if err != nil {
				return err
			}
			return writeOutput(cmd, "prices", output.Markets(overview.Coins))
		})
	},
}

var coinCmd = &cobra.Command{
	Use:   "coin <symbol>",
	Short: "Show one coin with its staking terms",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *services) error {
			view, err := svc.set.Market.Coin(ctx, args[0], coinCurrency)
			if err != nil {
				return err
			}
			return writeOutput(cmd, "coin-"+strings.ToLower(args[0]), output.Coin(view))
		})
	},
}

var stakingCmd = &cobra.Command{
	Use:   "staking <coin-id>",
	Short: "Show merged staking terms for a coin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *services) error {
			result, err := svc.set.Staking.StakingInfo(ctx, args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd, "staking-"+result.Coin, output.Staking(result))
		})
	},
}

var globalCmd = &cobra.Command{
	Use:   "global",
	Short: "Show market-wide totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *services) error {
			global, _, err := svc.set.CoinGecko.Global(ctx)
			if err != nil {
				return err
			}
			return writeOutput(cmd, "global", output.Global(global))
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Probe connectivity to every upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(ctx context.Context, svc *services) error {
			return writeOutput(cmd, "ping", output.Probes(svc.set.Prober.Probe(ctx)))
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{pricesCmd, coinCmd, stakingCmd, globalCmd, pingCmd} {
		addOutputFlags(c)
		rootCmd.AddCommand(c)
	}

	pricesCmd.Flags().StringVar(&pricesCurrency, "currency", "usd", "Quote currency")
	pricesCmd.Flags().IntVar(&pricesLimit, "limit", 100, "Coins per page")
	pricesCmd.Flags().IntVar(&pricesPage, "page", 1, "Page number")
	coinCmd.Flags().StringVar(&coinCurrency, "currency", "usd", "Quote currency")
}
