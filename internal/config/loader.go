package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. WEEB3_RETRIEVAL_MAX_ERRORS
const EnvPrefix = "WEEB3"

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error when path is empty
// or does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			md, err := toml.DecodeFile(path, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("unknown config keys: %v", undecoded)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
