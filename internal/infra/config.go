package infra

import (
	"errors"
	"fmt"
	"os"
	"time"

	"ramp_go/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent identifies this client to the aggregator backend
	DefaultUserAgent = "ramp-go/1.0"
)

// Config holds every application setting.
// After LoadConfig parses the file, secrets are overridden from the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Chain struct {
		RPCURL              string `yaml:"rpc_url"`
		WSURL               string `yaml:"ws_url"`
		ChainID             int64  `yaml:"chain_id"`
		GatewayAddress      string `yaml:"gateway_address"`
		StartBlock          uint64 `yaml:"start_block"`
		TokenDecimals       int32  `yaml:"token_decimals"`
		InclusionTimeoutSec int    `yaml:"inclusion_timeout_sec"`
		ReceiptPollMS       int    `yaml:"receipt_poll_ms"`
		SignerKey           string `yaml:"signer_key"`
	} `yaml:"chain"`

	Backend struct {
		BaseURL        string  `yaml:"base_url"`
		TimeoutSec     int     `yaml:"timeout_sec"`
		RequestsPerSec float64 `yaml:"requests_per_sec"`
		APIKey         string  `yaml:"api_key"`
		APISecret      string  `yaml:"api_secret"`
	} `yaml:"backend"`

	Poller struct {
		IntervalSec       int `yaml:"interval_sec"`
		MaxAttempts       int `yaml:"max_attempts"`
		BaseDelayMS       int `yaml:"base_delay_ms"`
		NotFoundWarnAfter int `yaml:"not_found_warn_after"`
	} `yaml:"poller"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML, applies defaults and env overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ramp-go"
	}
	if c.Chain.TokenDecimals == 0 {
		c.Chain.TokenDecimals = 6
	}
	if c.Chain.InclusionTimeoutSec == 0 {
		c.Chain.InclusionTimeoutSec = 120
	}
	if c.Chain.ReceiptPollMS == 0 {
		c.Chain.ReceiptPollMS = 1000
	}
	if c.Backend.TimeoutSec == 0 {
		c.Backend.TimeoutSec = 10
	}
	if c.Backend.RequestsPerSec == 0 {
		c.Backend.RequestsPerSec = 10
	}
	if c.Poller.IntervalSec == 0 {
		c.Poller.IntervalSec = 5
	}
	if c.Poller.MaxAttempts == 0 {
		c.Poller.MaxAttempts = 2
	}
	if c.Poller.BaseDelayMS == 0 {
		c.Poller.BaseDelayMS = 1000
	}
	if c.Poller.NotFoundWarnAfter == 0 {
		c.Poller.NotFoundWarnAfter = 24
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.Chain.RPCURL, "http://") && !hasPrefix(c.Chain.RPCURL, "https://") &&
		!hasPrefix(c.Chain.RPCURL, "ws://") && !hasPrefix(c.Chain.RPCURL, "wss://") {
		return &domain.ConfigError{Field: "chain.rpc_url", Err: fmt.Errorf("invalid URL %q", c.Chain.RPCURL)}
	}
	if c.Chain.WSURL != "" && !hasPrefix(c.Chain.WSURL, "ws://") && !hasPrefix(c.Chain.WSURL, "wss://") {
		return &domain.ConfigError{Field: "chain.ws_url", Err: fmt.Errorf("invalid URL %q", c.Chain.WSURL)}
	}
	if c.Chain.ChainID <= 0 {
		return &domain.ConfigError{Field: "chain.chain_id", Err: errors.New("must be positive")}
	}
	if !common.IsHexAddress(c.Chain.GatewayAddress) {
		return &domain.ConfigError{Field: "chain.gateway_address", Err: fmt.Errorf("invalid address %q", c.Chain.GatewayAddress)}
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return &domain.ConfigError{Field: "chain.token_decimals", Err: errors.New("out of range")}
	}
	if !hasPrefix(c.Backend.BaseURL, "http://") && !hasPrefix(c.Backend.BaseURL, "https://") {
		return &domain.ConfigError{Field: "backend.base_url", Err: fmt.Errorf("invalid URL %q", c.Backend.BaseURL)}
	}
	if c.Poller.IntervalSec <= 0 {
		return &domain.ConfigError{Field: "poller.interval_sec", Err: errors.New("must be positive")}
	}
	if c.Poller.MaxAttempts <= 0 {
		return &domain.ConfigError{Field: "poller.max_attempts", Err: errors.New("must be positive")}
	}
	return nil
}

// PollInterval returns the poller tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalSec) * time.Second
}

// PollBaseDelay returns the first in-tick retry delay.
func (c *Config) PollBaseDelay() time.Duration {
	return time.Duration(c.Poller.BaseDelayMS) * time.Millisecond
}

// InclusionTimeout returns the default bound on waiting for transaction inclusion.
func (c *Config) InclusionTimeout() time.Duration {
	return time.Duration(c.Chain.InclusionTimeoutSec) * time.Second
}

// ReceiptPollInterval returns how often receipts are polled while waiting for inclusion.
func (c *Config) ReceiptPollInterval() time.Duration {
	return time.Duration(c.Chain.ReceiptPollMS) * time.Millisecond
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv replaces settings with environment variables when present.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("RAMP_SIGNER_KEY"); key != "" {
		cfg.Chain.SignerKey = key
	}
	if url := os.Getenv("RAMP_RPC_URL"); url != "" {
		cfg.Chain.RPCURL = url
	}
	if url := os.Getenv("RAMP_WS_URL"); url != "" {
		cfg.Chain.WSURL = url
	}
	if key := os.Getenv("RAMP_BACKEND_API_KEY"); key != "" {
		cfg.Backend.APIKey = key
	}
	if secret := os.Getenv("RAMP_BACKEND_API_SECRET"); secret != "" {
		cfg.Backend.APISecret = secret
	}
	if url := os.Getenv("RAMP_BACKEND_URL"); url != "" {
		cfg.Backend.BaseURL = url
	}
}
