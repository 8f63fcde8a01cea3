// Package config loads node configuration from a TOML file and WEEB3_*
// environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the complete node configuration
type Config struct {
	Node       NodeConfig       `toml:"node" envconfig:"node"`
	Retrieval  RetrievalConfig  `toml:"retrieval" envconfig:"retrieval"`
	Accounting AccountingConfig `toml:"accounting" envconfig:"accounting"`
	Joiner     JoinerConfig     `toml:"joiner" envconfig:"joiner"`
	Feeds      FeedsConfig      `toml:"feeds" envconfig:"feeds"`
	Network    NetworkConfig    `toml:"network" envconfig:"network"`
	Control    ControlConfig    `toml:"control" envconfig:"control"`
	Log        LogConfig        `toml:"log" envconfig:"log"`
	Metrics    MetricsConfig    `toml:"metrics" envconfig:"metrics"`
	Peers      []PeerConfig     `toml:"peers" ignored:"true"`
}

// NodeConfig identifies the node on the network
type NodeConfig struct {
	NetworkID    uint64 `toml:"networkId" envconfig:"network_id"`
	IdentityPath string `toml:"identityPath" envconfig:"identity_path"`
}

// RetrievalConfig tunes the chunk fetch loop
type RetrievalConfig struct {
	MaxErrors    int      `toml:"maxErrors" envconfig:"max_errors"`
	RoundTime    Duration `toml:"roundTime" envconfig:"round_time"`
	FetchTimeout Duration `toml:"fetchTimeout" envconfig:"fetch_timeout"`
	CacheSize    int      `toml:"cacheSize" envconfig:"cache_size"`
}

// AccountingConfig sets per-peer credit
type AccountingConfig struct {
	CreditLimit   uint64 `toml:"creditLimit" envconfig:"credit_limit"`
	BasePrice     uint64 `toml:"basePrice" envconfig:"base_price"`
	RefreshRate   uint64 `toml:"refreshRate" envconfig:"refresh_rate"`
	RefreshBuffer int    `toml:"refreshBuffer" envconfig:"refresh_buffer"`
}

// JoinerConfig bounds content reassembly
type JoinerConfig struct {
	MaxInFlight int64 `toml:"maxInFlight" envconfig:"max_in_flight"`
	MaxDepth    int   `toml:"maxDepth" envconfig:"max_depth"`
}

// FeedsConfig tunes the feed update locator
type FeedsConfig struct {
	ProbeConcurrency int  `toml:"probeConcurrency" envconfig:"probe_concurrency"`
	Redundancy       uint `toml:"redundancy" envconfig:"redundancy"`
}

// NetworkConfig controls dialing peers and serving chunks to them
type NetworkConfig struct {
	// Listen is a multiaddr to serve cached chunks on; empty disables serving
	Listen         string   `toml:"listen" envconfig:"listen"`
	DialAttempts   int      `toml:"dialAttempts" envconfig:"dial_attempts"`
	DialMinBackoff Duration `toml:"dialMinBackoff" envconfig:"dial_min_backoff"`
	DialMaxBackoff Duration `toml:"dialMaxBackoff" envconfig:"dial_max_backoff"`
	ConnectTimeout Duration `toml:"connectTimeout" envconfig:"connect_timeout"`
	MaxFrameSize   int      `toml:"maxFrameSize" envconfig:"max_frame_size"`
}

// ControlConfig is the local control API
type ControlConfig struct {
	Addr string `toml:"addr" envconfig:"addr"`
}

// LogConfig selects log level and encoding
type LogConfig struct {
	Level  string `toml:"level" envconfig:"level"`
	Format string `toml:"format" envconfig:"format"`
}

// MetricsConfig exposes Prometheus metrics; an empty Addr disables them
type MetricsConfig struct {
	Addr string `toml:"addr" envconfig:"addr"`
}

// PeerConfig is a statically configured peer
type PeerConfig struct {
	ID       string `toml:"id"`
	Overlay  string `toml:"overlay"`
	Underlay string `toml:"underlay"`
}

// Duration wraps time.Duration for TOML and environment parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Validate checks if configuration values are usable
func (c *Config) Validate() error {
	if c.Retrieval.MaxErrors < 1 {
		return fmt.Errorf("invalid retrieval.maxErrors: %d (must be >= 1)", c.Retrieval.MaxErrors)
	}
	if c.Retrieval.RoundTime.Duration < 0 {
		return fmt.Errorf("invalid retrieval.roundTime: %v (must not be negative)", c.Retrieval.RoundTime)
	}
	if c.Retrieval.FetchTimeout.Duration <= 0 {
		return fmt.Errorf("invalid retrieval.fetchTimeout: %v (must be positive)", c.Retrieval.FetchTimeout)
	}
	if c.Retrieval.CacheSize < 0 {
		return fmt.Errorf("invalid retrieval.cacheSize: %d", c.Retrieval.CacheSize)
	}
	if c.Accounting.CreditLimit == 0 {
		return fmt.Errorf("invalid accounting.creditLimit: must be positive")
	}
	if c.Accounting.RefreshBuffer < 1 {
		return fmt.Errorf("invalid accounting.refreshBuffer: %d (must be >= 1)", c.Accounting.RefreshBuffer)
	}
	if c.Joiner.MaxInFlight < 1 {
		return fmt.Errorf("invalid joiner.maxInFlight: %d (must be >= 1)", c.Joiner.MaxInFlight)
	}
	if c.Joiner.MaxDepth < 1 {
		return fmt.Errorf("invalid joiner.maxDepth: %d (must be >= 1)", c.Joiner.MaxDepth)
	}
	if c.Feeds.ProbeConcurrency < 1 {
		return fmt.Errorf("invalid feeds.probeConcurrency: %d (must be >= 1)", c.Feeds.ProbeConcurrency)
	}
	if c.Feeds.Redundancy > 32 {
		return fmt.Errorf("invalid feeds.redundancy: %d (must be <= 32)", c.Feeds.Redundancy)
	}
	if c.Network.DialAttempts < 1 {
		return fmt.Errorf("invalid network.dialAttempts: %d (must be >= 1)", c.Network.DialAttempts)
	}
	if c.Network.DialMaxBackoff.Duration < c.Network.DialMinBackoff.Duration {
		return fmt.Errorf("invalid network backoff: max %v < min %v", c.Network.DialMaxBackoff, c.Network.DialMinBackoff)
	}
	if c.Network.MaxFrameSize < 1024 {
		return fmt.Errorf("invalid network.maxFrameSize: %d (must be >= 1024)", c.Network.MaxFrameSize)
	}
	for i, p := range c.Peers {
		if p.Overlay == "" || p.Underlay == "" {
			return fmt.Errorf("invalid peers[%d]: overlay and underlay are required", i)
		}
	}
	return nil
}
