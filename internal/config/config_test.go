package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, constants.DefaultMaxErrors, cfg.Retrieval.MaxErrors)
	require.Equal(t, constants.RetrieveRoundTime, cfg.Retrieval.RoundTime.Duration)
	require.Equal(t, uint64(constants.NetworkID), cfg.Node.NetworkID)
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weeb3.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[retrieval]
maxErrors = 3
roundTime = "250ms"

[accounting]
creditLimit = 500

[log]
level = "debug"

[[peers]]
id = "boot"
overlay = "aa"
underlay = "/ip4/127.0.0.1/udp/1634/quic-v1"
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Retrieval.MaxErrors)
	require.Equal(t, 250*time.Millisecond, cfg.Retrieval.RoundTime.Duration)
	require.Equal(t, uint64(500), cfg.Accounting.CreditLimit)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Peers, 1)
	require.Equal(t, "boot", cfg.Peers[0].ID)

	// Untouched sections keep their defaults
	require.Equal(t, constants.DefaultMaxDepth, cfg.Joiner.MaxDepth)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WEEB3_RETRIEVAL_MAX_ERRORS", "5")
	t.Setenv("WEEB3_RETRIEVAL_FETCH_TIMEOUT", "3s")
	t.Setenv("WEEB3_CONTROL_ADDR", "127.0.0.1:9999")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Retrieval.MaxErrors)
	require.Equal(t, 3*time.Second, cfg.Retrieval.FetchTimeout.Duration)
	require.Equal(t, "127.0.0.1:9999", cfg.Control.Addr)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weeb3.toml")
	require.NoError(t, os.WriteFile(path, []byte("[retrieval]\nmaxErrorz = 3\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max errors", func(c *Config) { c.Retrieval.MaxErrors = 0 }},
		{"zero fetch timeout", func(c *Config) { c.Retrieval.FetchTimeout = Duration{} }},
		{"zero credit", func(c *Config) { c.Accounting.CreditLimit = 0 }},
		{"zero in flight", func(c *Config) { c.Joiner.MaxInFlight = 0 }},
		{"huge redundancy", func(c *Config) { c.Feeds.Redundancy = 40 }},
		{"inverted backoff", func(c *Config) { c.Network.DialMaxBackoff = Duration{time.Millisecond} }},
		{"peer without underlay", func(c *Config) { c.Peers = []PeerConfig{{Overlay: "aa"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))

	require.Error(t, d.UnmarshalText([]byte("soon")))
}
