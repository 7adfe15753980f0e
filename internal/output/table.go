package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/cache"
	"github.com/cryptowealth/datahub/internal/core/store"
	"github.com/cryptowealth/datahub/internal/core/upstream"
)

// Markets is a market listing.
type Markets []core.MarketCoin

// Table renders a row per coin.
func (m Markets) Table() string {
	t := newTable()
	t.AppendHeader(table.Row{"#", "Symbol", "Name", "Price", "24h", "Market Cap", "Volume", "APY"})
	for _, coin := range m {
		rank := "-"
		if coin.MarketCapRank > 0 {
			rank = fmt.Sprintf("%d", coin.MarketCapRank)
		}
		t.AppendRow(table.Row{
			rank,
			strings.ToUpper(coin.Symbol),
			coin.Name,
			formatFloat(coin.CurrentPrice),
			formatPercent(coin.PriceChange24hPct),
			formatFloat(coin.MarketCap),
			formatFloat(coin.TotalVolume),
			formatPercent(coin.StakingAPY),
		})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d coins", len(m))})
	return t.Render()
}

// Coin is one coin with its staking terms.
type Coin upstream.CoinView

// Table renders the market row followed by the staking terms, if any.
func (c Coin) Table() string {
	rendered := Markets{c.MarketData}.Table()
	if c.StakingData == nil {
		return rendered + "\nno staking data"
	}
	return rendered + "\n" + Staking(upstream.StakingResult{Coin: c.MarketData.ID, Staking: *c.StakingData}).Table()
}

// Staking is a merged staking result.
type Staking upstream.StakingResult

// Table renders the merged record.
func (s Staking) Table() string {
	t := newTable()
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"Coin", s.Coin})
	t.AppendRow(table.Row{"Source", s.Staking.Source})
	t.AppendRow(table.Row{"APY", formatPercent(s.Staking.APY)})
	t.AppendRow(table.Row{"Min Stake", formatOptional(s.Staking.MinStake)})
	t.AppendRow(table.Row{"Type", orDash(s.Staking.Type)})
	t.AppendRow(table.Row{"Exchanges", orDash(strings.Join(s.Staking.Exchanges, ", "))})
	t.AppendRow(table.Row{"Sources", orDash(strings.Join(s.Staking.Sources, ", "))})
	t.AppendRow(table.Row{"Cache", cacheLabel(s.FromCache, s.Stale)})
	return t.Render()
}

// Global is market-wide totals.
type Global core.GlobalMarket

// Table renders totals in usd followed by the dominance split.
func (g Global) Table() string {
	t := newTable()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"Active Cryptocurrencies", g.ActiveCryptocurrencies})
	t.AppendRow(table.Row{"Markets", g.Markets})
	t.AppendRow(table.Row{"Total Market Cap (usd)", formatFloat(g.TotalMarketCap["usd"])})
	t.AppendRow(table.Row{"Total Volume (usd)", formatFloat(g.TotalVolume["usd"])})
	change := g.MarketCapChange24hPct
	t.AppendRow(table.Row{"Market Cap 24h", formatPercent(&change)})
	for _, symbol := range sortedKeys(g.MarketCapPercentage) {
		share := g.MarketCapPercentage[symbol]
		t.AppendRow(table.Row{"Dominance " + strings.ToUpper(symbol), formatPercent(&share)})
	}
	if g.UpdatedAt > 0 {
		t.AppendRow(table.Row{"Updated", time.Unix(g.UpdatedAt, 0).UTC().Format(time.RFC3339)})
	}
	return t.Render()
}

// RateStatuses is the state of every rate window.
type RateStatuses []core.RateStatus

// Table renders a row per upstream.
func (r RateStatuses) Table() string {
	t := newTable()
	t.AppendHeader(table.Row{"Upstream", "Used", "Limit", "Remaining", "Resets", "Backoff Until"})
	for _, status := range r {
		if status.Unlimited {
			t.AppendRow(table.Row{status.Upstream, status.RequestCount, "unlimited", "-", "-", "-"})
			continue
		}
		t.AppendRow(table.Row{
			status.Upstream,
			status.RequestCount,
			status.Limit,
			status.Remaining,
			formatTime(status.WindowResetAt),
			formatTimePtr(status.BackoffUntil),
		})
	}
	return t.Render()
}

// Probes is the outcome of probing every upstream.
type Probes []core.ProbeResult

// Table renders a row per upstream.
func (p Probes) Table() string {
	t := newTable()
	t.AppendHeader(table.Row{"Upstream", "Status", "Latency", "Message"})
	for _, result := range p {
		t.AppendRow(table.Row{
			result.Upstream,
			string(result.Status),
			result.Latency.Round(time.Millisecond).String(),
			result.Message,
		})
	}
	return t.Render()
}

// CacheEntries lists cached keys.
type CacheEntries []cache.Info

// Table renders a row per key.
func (c CacheEntries) Table() string {
	t := newTable()
	t.AppendHeader(table.Row{"Key", "Stored", "Expires", "Bytes", "State"})
	for _, info := range c {
		state := "fresh"
		if info.Expired {
			state = "expired"
		}
		t.AppendRow(table.Row{
			info.Key,
			formatTime(info.StoredAt),
			formatTime(info.ExpiresAt),
			info.Bytes,
			state,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d entries", len(c))})
	return t.Render()
}

// RateLimitEntries lists persisted rate windows.
type RateLimitEntries []store.RateLimitEntry

// MarshalJSON flattens each entry.
func (r RateLimitEntries) MarshalJSON() ([]byte, error) {
	type row struct {
		Upstream     string     `json:"upstream"`
		RequestCount int        `json:"request_count"`
		WindowStart  time.Time  `json:"window_start"`
		BackoffUntil *time.Time `json:"backoff_until,omitempty"`
		Last429At    *time.Time `json:"last_429_at,omitempty"`
	}
	rows := make([]row, 0, len(r))
	for _, entry := range r {
		rows = append(rows, row{
			Upstream:     entry.Upstream,
			RequestCount: entry.State.RequestCount,
			WindowStart:  entry.State.WindowStart,
			BackoffUntil: entry.State.BackoffUntil,
			Last429At:    entry.State.Last429At,
		})
	}
	return json.Marshal(rows)
}

// Table renders a row per entry.
func (r RateLimitEntries) Table() string {
	t := newTable()
	t.AppendHeader(table.Row{"Upstream", "Count", "Window Start", "Backoff Until", "Last 429"})
	for _, entry := range r {
		t.AppendRow(table.Row{
			entry.Upstream,
			entry.State.RequestCount,
			formatTime(entry.State.WindowStart),
			formatTimePtr(entry.State.BackoffUntil),
			formatTimePtr(entry.State.Last429At),
		})
	}
	return t.Render()
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	// Footers hold counts like "2 coins"; only headers are uppercased.
	t.Style().Format.Footer = text.FormatDefault
	return t
}

func formatFloat(value float64) string {
	switch {
	case value == 0:
		return "0"
	case value >= 1000:
		return fmt.Sprintf("%.0f", value)
	case value >= 1:
		return fmt.Sprintf("%.2f", value)
	default:
		return fmt.Sprintf("%.6f", value)
	}
}

func formatPercent(value *float64) string {
	if value == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *value)
}

func formatOptional(value *float64) string {
	if value == nil {
		return "-"
	}
	return formatFloat(*value)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func formatTimePtr(value *time.Time) string {
	if value == nil {
		return "-"
	}
	return formatTime(*value)
}

func cacheLabel(fromCache, stale bool) string {
	switch {
	case stale:
		return "stale"
	case fromCache:
		return "hit"
	default:
		return "miss"
	}
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
