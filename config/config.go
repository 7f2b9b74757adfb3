// Package config loads the facilitator's YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vitwit/x402-facilitator/bridge"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/utils"
)

// Environment variables that override the file.
const (
	EnvPrivateKey        = "FACILITATOR_PRIVATE_KEY"
	EnvCrossChainEnabled = "CROSS_CHAIN_ENABLED"
	EnvBridgeLockAddress = "BRIDGE_LOCK_ADDRESS"
	EnvLogLevel          = "LOG_LEVEL"
	EnvServerAddr        = "SERVER_ADDR"
)

// Bridge types.
const (
	BridgeRelease = "release"
	BridgeAPI     = "api"
)

type Config struct {
	Server     Server     `yaml:"server"`
	Log        Log        `yaml:"log"`
	Signer     Signer     `yaml:"signer"`
	Networks   []Network  `yaml:"networks" validate:"required,min=1,dive"`
	CrossChain CrossChain `yaml:"cross_chain"`
}

type Server struct {
	Addr    string        `yaml:"addr" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Verbose bool          `yaml:"verbose"`
}

type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type Signer struct {
	// PrivateKey is hex encoded. Prefer FACILITATOR_PRIVATE_KEY over the
	// file.
	PrivateKey string `yaml:"private_key" validate:"required"`
}

type Network struct {
	Network string `yaml:"network" validate:"required,eip155"`
	RPCURL  string `yaml:"rpc_url" validate:"required,url"`
}

type CrossChain struct {
	Enabled     bool              `yaml:"enabled"`
	LockAddress string            `yaml:"lock_address" validate:"omitempty,evmaddress"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Rates       map[string]string `yaml:"rates"`
	RateURL     string            `yaml:"rate_url" validate:"omitempty,url"`
	Poll        Poll              `yaml:"poll"`
	Queue       Queue             `yaml:"queue"`
}

type BridgeConfig struct {
	Type string `yaml:"type" validate:"oneof=release api"`
	URL  string `yaml:"url" validate:"omitempty,url"`
}

type Poll struct {
	SourceInterval time.Duration `yaml:"source_interval" validate:"gt=0"`
	SourceAttempts int           `yaml:"source_attempts" validate:"gte=0"`
	StatusInterval time.Duration `yaml:"status_interval" validate:"gt=0"`
	StatusAttempts int           `yaml:"status_attempts" validate:"gte=0"`
}

type Queue struct {
	Dir           string        `yaml:"dir"`
	Workers       int           `yaml:"workers" validate:"gte=1"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=1"`
	BaseBackoff   time.Duration `yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff    time.Duration `yaml:"max_backoff" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// Load reads path, applies the environment and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes data and applies overrides from lookup.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with every optional field filled.
func Default() *Config {
	q := bridge.DefaultQueueConfig
	return &Config{
		Server: Server{Addr: ":8080", Timeout: 30 * time.Second},
		Log:    Log{Level: "info"},
		CrossChain: CrossChain{
			Bridge: BridgeConfig{Type: BridgeRelease},
			Poll: Poll{
				SourceInterval: chain.DefaultPoll.Interval,
				SourceAttempts: chain.DefaultPoll.Attempts,
				StatusInterval: 5 * time.Second,
				StatusAttempts: 120,
			},
			Queue: Queue{
				Dir:           "data/bridges",
				Workers:       q.Workers,
				MaxAttempts:   q.MaxAttempts,
				BaseBackoff:   q.BaseBackoff,
				MaxBackoff:    q.MaxBackoff,
				SweepInterval: q.SweepInterval,
			},
		},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	if v, ok := lookup(EnvPrivateKey); ok && v != "" {
		c.Signer.PrivateKey = v
	}
	if v, ok := lookup(EnvCrossChainEnabled); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCrossChainEnabled, err)
		}
		c.CrossChain.Enabled = enabled
	}
	if v, ok := lookup(EnvBridgeLockAddress); ok && v != "" {
		c.CrossChain.LockAddress = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvServerAddr); ok && v != "" {
		c.Server.Addr = v
	}
	return nil
}

// Validate checks field tags and the rules that span fields.
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if seen[n.Network] {
			return fmt.Errorf("invalid config: network %s listed twice", n.Network)
		}
		seen[n.Network] = true
	}

	cc := c.CrossChain
	if !cc.Enabled {
		return nil
	}
	if cc.LockAddress == "" {
		return errors.New("invalid config: cross_chain.lock_address is required when bridging is enabled")
	}
	if cc.Bridge.Type == BridgeAPI && cc.Bridge.URL == "" {
		return errors.New("invalid config: cross_chain.bridge.url is required for the api bridge")
	}
	if cc.RateURL != "" && len(cc.Rates) > 0 {
		return errors.New("invalid config: set either cross_chain.rates or cross_chain.rate_url")
	}
	if _, err := cc.StaticRates(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RPCs maps each network to its endpoint.
func (c *Config) RPCs() map[string]string {
	out := make(map[string]string, len(c.Networks))
	for _, n := range c.Networks {
		out[n.Network] = n.RPCURL
	}
	return out
}

// StaticRates parses the rate table. Keys are "assetA/assetB".
func (cc CrossChain) StaticRates() (bridge.StaticRates, error) {
	rates := make(bridge.StaticRates, len(cc.Rates))
	for pair, value := range cc.Rates {
		a, b, ok := strings.Cut(pair, "/")
		if !ok || !utils.ValidateAddress(a) || !utils.ValidateAddress(b) {
			return nil, fmt.Errorf("rate key %q must be <asset>/<asset>", pair)
		}
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", pair, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate %q must be positive", pair)
		}
		rates[bridge.RateKey(a, b)] = rate
	}
	return rates, nil
}

// RateSource returns the HTTP quote source when rate_url is set and the
// static table otherwise.
func (cc CrossChain) RateSource() (bridge.RateSource, error) {
	if cc.RateURL != "" {
		return bridge.NewHTTPRates(cc.RateURL), nil
	}
	return cc.StaticRates()
}

// SourcePoll is the wait for the source transaction before bridging.
func (cc CrossChain) SourcePoll() chain.Poll {
	return chain.Poll{Interval: cc.Poll.SourceInterval, Attempts: cc.Poll.SourceAttempts}
}

// StatusPoll is the wait for the destination release.
func (cc CrossChain) StatusPoll() chain.Poll {
	return chain.Poll{Interval: cc.Poll.StatusInterval, Attempts: cc.Poll.StatusAttempts}
}

// QueueConfig converts the queue section.
func (cc CrossChain) QueueConfig() bridge.QueueConfig {
	return bridge.QueueConfig{
		Workers:       cc.Queue.Workers,
		MaxAttempts:   cc.Queue.MaxAttempts,
		BaseBackoff:   cc.Queue.BaseBackoff,
		MaxBackoff:    cc.Queue.MaxBackoff,
		SweepInterval: cc.Queue.SweepInterval,
	}
}
