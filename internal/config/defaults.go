package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
)

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			NetworkID:    constants.NetworkID,
			IdentityPath: defaultIdentityPath(),
		},
		Retrieval: RetrievalConfig{
			MaxErrors:    constants.DefaultMaxErrors,
			RoundTime:    Duration{constants.RetrieveRoundTime},
			FetchTimeout: Duration{constants.DefaultFetchTimeout},
			CacheSize:    constants.DefaultCacheSize,
		},
		Accounting: AccountingConfig{
			CreditLimit:   constants.DefaultCreditLimit,
			BasePrice:     constants.DefaultBasePrice,
			RefreshRate:   constants.RefreshRate,
			RefreshBuffer: constants.RefreshChannelBuffer,
		},
		Joiner: JoinerConfig{
			MaxInFlight: constants.DefaultMaxInFlight,
			MaxDepth:    constants.DefaultMaxDepth,
		},
		Feeds: FeedsConfig{
			ProbeConcurrency: constants.DefaultProbeConcurrency,
			Redundancy:       constants.DefaultRedundancy,
		},
		Network: NetworkConfig{
			DialAttempts:   3,
			DialMinBackoff: Duration{100 * time.Millisecond},
			DialMaxBackoff: Duration{2 * time.Second},
			ConnectTimeout: Duration{5 * time.Second},
			MaxFrameSize:   constants.MaxFrameSize,
		},
		Control: ControlConfig{
			Addr: constants.DefaultControlAddr,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".weeb3", "identity.json")
	}
	return filepath.Join(home, ".weeb3", "identity.json")
}
