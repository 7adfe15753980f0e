// Package upstream holds request builders for the market data APIs. Every
// call is mediated by an access.Helper.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cryptowealth/datahub/internal/config"
	"github.com/cryptowealth/datahub/internal/core"
	"github.com/cryptowealth/datahub/internal/core/access"
	"github.com/cryptowealth/datahub/internal/core/fetch"
)

var (
	// ErrDisabled is returned by clients whose upstream is disabled in config.
	ErrDisabled = errors.New("upstream disabled")
	// ErrNoAPIKey is returned by clients that need a key and have none.
	ErrNoAPIKey = errors.New("upstream api key not configured")
)

var (
	coinIDPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,99}$`)
	currencyPattern = regexp.MustCompile(`^[a-z]{2,10}$`)
)

// client is the shared request path of every upstream.
type client struct {
	name    string
	baseURL string
	apiKey  string
	enabled bool
	helper  *access.Helper
	auth    func(h http.Header, key string)
}

func newClient(name string, helper *access.Helper, cfg config.UpstreamConfig, auth func(http.Header, string)) client {
	return client{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		enabled: cfg.Enabled,
		helper:  helper,
		auth:    auth,
	}
}

// Name returns the upstream name used for rate gating.
func (c *client) Name() string {
	return c.name
}

// Enabled reports whether the upstream is enabled in config.
func (c *client) Enabled() bool {
	return c != nil && c.enabled
}

// HasKey reports whether an API key is configured.
func (c *client) HasKey() bool {
	return c.apiKey != ""
}

func (c *client) ready(needKey bool) error {
	if c == nil || c.helper == nil {
		return fmt.Errorf("%s client is not configured", c.nameOrUnknown())
	}
	if !c.enabled {
		return fmt.Errorf("%s: %w", c.name, ErrDisabled)
	}
	if needKey && c.apiKey == "" {
		return fmt.Errorf("%s: %w", c.name, ErrNoAPIKey)
	}
	return nil
}

func (c *client) nameOrUnknown() string {
	if c == nil || c.name == "" {
		return "upstream"
	}
	return c.name
}

// get issues a GET through the helper. An empty cacheKey bypasses the cache.
func (c *client) get(ctx context.Context, path string, query url.Values, cacheKey string, ttl time.Duration, out any) (access.Result, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	header := http.Header{}
	if c.auth != nil && c.apiKey != "" {
		c.auth(header, c.apiKey)
	}

	call := access.Call{
		Upstream: c.name,
		CacheKey: cacheKey,
		TTL:      ttl,
		Request:  fetch.Request{Method: http.MethodGet, URL: target, Header: header},
	}
	if out == nil {
		return c.helper.Do(ctx, call)
	}
	return c.helper.DoJSON(ctx, call, out)
}

func validateCoinID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if !coinIDPattern.MatchString(id) {
		return "", &core.ValidationError{Field: "coin", Reason: fmt.Sprintf("%q is not a coin id", id)}
	}
	return id, nil
}

func validateCurrency(currency string) (string, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		return "usd", nil
	}
	if !currencyPattern.MatchString(currency) {
		return "", &core.ValidationError{Field: "currency", Reason: fmt.Sprintf("%q is not a currency code", currency)}
	}
	return currency, nil
}

// stakingWire is the staking_data object several upstreams embed.
type stakingWire struct {
	APY       *float64 `json:"apy"`
	MinStake  *float64 `json:"min_stake"`
	Type      string   `json:"type"`
	Exchanges []string `json:"exchanges"`
}

func (w *stakingWire) record(source string) *core.StakingRecord {
	if w == nil {
		return nil
	}
	if w.APY == nil && w.MinStake == nil && w.Type == "" && len(w.Exchanges) == 0 {
		return nil
	}
	return &core.StakingRecord{
		Source:    source,
		APY:       w.APY,
		MinStake:  w.MinStake,
		Type:      w.Type,
		Exchanges: append([]string(nil), w.Exchanges...),
		Sources:   []string{source},
	}
}
