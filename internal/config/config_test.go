package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STATE_TABLE", "aggregator-state")
	t.Setenv("PARAM_PREFIX", "/aggregator/dev")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendDynamoDB, cfg.StoreBackend)
	require.Equal(t, BackendSSM, cfg.DirectoryBackend)
	require.Equal(t, 20*time.Second, cfg.AggregationWindow())
	require.Equal(t, time.Hour, cfg.MediaTTL())
	require.Equal(t, 10*time.Second, cfg.DispatchTimeout)
	require.Equal(t, uint(3), cfg.DispatchMaxAttempts)
	require.Equal(t, 60*time.Second, cfg.LockTTL)
	require.Equal(t, 45*time.Second, cfg.LockWait)
	require.Equal(t, 30*time.Second, cfg.SweepInterval)
	require.Equal(t, 4, cfg.SweepConcurrency)
	require.Equal(t, ":3000", cfg.HTTPAddr)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", " Memory ")
	t.Setenv("DIRECTORY_BACKEND", "file")
	t.Setenv("WEBHOOKS_CONFIG_PATH", "/etc/aggregator/webhooks.json")
	t.Setenv("MESSAGE_AGGREGATION_TIME", "1500")
	t.Setenv("DISPATCH_TIMEOUT", "2s")
	t.Setenv("SWEEP_RATE", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.StoreBackend)
	require.Equal(t, BackendFile, cfg.DirectoryBackend)
	require.Equal(t, "/etc/aggregator/webhooks.json", cfg.WebhooksPath)
	require.Equal(t, 1500*time.Millisecond, cfg.AggregationWindow())
	require.Equal(t, 2*time.Second, cfg.DispatchTimeout)
	require.InDelta(t, 2.5, cfg.SweepRate, 0.001)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing table", map[string]string{"PARAM_PREFIX": "/p"}, "STATE_TABLE"},
		{"missing prefix", map[string]string{"STATE_TABLE": "t"}, "PARAM_PREFIX"},
		{"unknown store", map[string]string{"STORE_BACKEND": "redis", "PARAM_PREFIX": "/p"}, "STORE_BACKEND"},
		{"unknown directory", map[string]string{"STATE_TABLE": "t", "DIRECTORY_BACKEND": "consul"}, "DIRECTORY_BACKEND"},
		{"zero window", map[string]string{"STATE_TABLE": "t", "PARAM_PREFIX": "/p", "MESSAGE_AGGREGATION_TIME": "0"}, "MESSAGE_AGGREGATION_TIME"},
		{"lock shorter than dispatch", map[string]string{"STATE_TABLE": "t", "PARAM_PREFIX": "/p", "LOCK_TTL": "5s"}, "LOCK_TTL"},
		{"lock shorter than dispatch with backoff", map[string]string{"STATE_TABLE": "t", "PARAM_PREFIX": "/p", "LOCK_TTL": "31s"}, "LOCK_TTL"},
		{"bad duration", map[string]string{"STATE_TABLE": "t", "PARAM_PREFIX": "/p", "LOCK_WAIT": "soon"}, "soon"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConfig_DispatchBudgetIncludesBackoff(t *testing.T) {
	cfg := Config{DispatchTimeout: 10 * time.Second, DispatchMaxAttempts: 3}
	require.Equal(t, 45*time.Second, cfg.DispatchBudget())

	cfg.DispatchMaxAttempts = 1
	require.Equal(t, 10*time.Second, cfg.DispatchBudget())
}

func TestLoad_AcceptsLockAboveDispatchBudget(t *testing.T) {
	t.Setenv("STATE_TABLE", "t")
	t.Setenv("PARAM_PREFIX", "/p")
	t.Setenv("LOCK_TTL", "46s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 46*time.Second, cfg.LockTTL)
}
