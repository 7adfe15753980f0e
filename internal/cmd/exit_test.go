package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptowealth/datahub/internal/core"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want foundry.ExitCode
	}{
		{"config", &configError{stage: "invalid configuration", err: errors.New("store.driver must be memory or libsql")}, foundry.ExitConfigInvalid},
		{"validation", &core.ValidationError{Field: "coin", Reason: "bad"}, foundry.ExitConfigInvalid},
		{"rate limited", fmt.Errorf("global: %w", &core.RateLimitError{Upstream: core.UpstreamCoinGecko, RetryAfter: time.Minute}), foundry.ExitExternalServiceUnavailable},
		{"unavailable", fmt.Errorf("coin DOGE: %w", core.ErrDataUnavailable), foundry.ExitExternalServiceUnavailable},
		{"timeout", &core.TimeoutError{}, foundry.ExitExternalServiceUnavailable},
		{"retries exhausted", &core.FailedError{URL: "https://x", Attempts: 3, Last: errors.New("503")}, foundry.ExitExternalServiceUnavailable},
		{"no store", errNoPersistentStore, foundry.ExitConfigInvalid},
		{"no snapshot", errNoSnapshot, foundry.ExitConfigInvalid},
		{"missing file", fmt.Errorf("read: %w", os.ErrNotExist), foundry.ExitFileNotFound},
		{"other", errors.New("boom"), foundry.ExitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ExitCodeFor(tc.err))
		})
	}
}

func TestExitWithCodeStderrUsesSemanticCode(t *testing.T) {
	var code int
	osExit = func(c int) { code = c }
	t.Cleanup(func() { osExit = os.Exit })

	ExitWithCodeStderr(foundry.ExitConfigInvalid, "Invalid configuration", errors.New("bad port"))
	assert.Equal(t, int(foundry.ExitConfigInvalid), code)
}

func TestWriteExit(t *testing.T) {
	info := exitInfo(foundry.ExitExternalServiceUnavailable)

	var buf bytes.Buffer
	writeExit(&buf, info, "Command execution failed", &core.RateLimitError{Upstream: core.UpstreamCoinGecko})
	assert.Contains(t, buf.String(), "FATAL: Command execution failed: ")
	assert.Contains(t, buf.String(), fmt.Sprintf("Exit Code: %d", int(foundry.ExitExternalServiceUnavailable)))

	buf.Reset()
	writeExit(&buf, info, "no error", nil)
	assert.Contains(t, buf.String(), "FATAL: no error\n")
}

func TestExitFieldsIncludeRateLimitDetails(t *testing.T) {
	fields := exitFields(exitInfo(foundry.ExitExternalServiceUnavailable),
		fmt.Errorf("prices: %w", &core.RateLimitError{Upstream: core.UpstreamCoinGecko, RetryAfter: 30 * time.Second}))

	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Contains(t, keys, "upstream")
	assert.Contains(t, keys, "retry_after")
	assert.Contains(t, keys, "exit_code")
}

func TestProbeFailures(t *testing.T) {
	require.NoError(t, probeFailures([]core.ProbeResult{
		{Upstream: core.UpstreamCoinGecko, Status: core.ProbeSuccess},
		{Upstream: core.UpstreamCoinMarketCap, Status: core.ProbeWarning, Message: "no api key"},
	}))

	err := probeFailures([]core.ProbeResult{
		{Upstream: core.UpstreamDeFiLlama, Status: core.ProbeError, Message: "connection refused"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defillama: connection refused")
}
