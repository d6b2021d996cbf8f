package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stakepool/crypto"
)

// Config captures the runtime settings for the pool daemon.
type Config struct {
	ListenAddress string                     `yaml:"listen"`
	HealthAddress string                     `yaml:"grpc_health"`
	DataDir       string                     `yaml:"data_dir"`
	TLS           TLSConfig                  `yaml:"tls"`
	Pool          PoolConfig                 `yaml:"pool"`
	Auth          AuthConfig                 `yaml:"auth"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits"`
	Journal       JournalConfig              `yaml:"journal"`
	Logging       LoggingConfig              `yaml:"logging"`
	Telemetry     TelemetryConfig            `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// PoolConfig wires the accounting engine.
type PoolConfig struct {
	Custody     string `yaml:"custody"`
	Owner       string `yaml:"owner"`
	Manager     string `yaml:"manager"`
	StakeDenom  string `yaml:"stake_denom"`
	RewardDenom string `yaml:"reward_denom"`
	ReduceRate  uint8  `yaml:"reduce_rate"`
	Paused      bool   `yaml:"paused"`
	// AllowMint exposes the faucet endpoint. Development only.
	AllowMint bool `yaml:"allow_mint"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig mirrors middleware.RateLimit.
type RateLimitConfig struct {
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	DefaultTokens int            `yaml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens"`
}

// JournalConfig selects the event journal backend. DSNs starting with
// postgres:// use Postgres, anything else is a sqlite path or URI.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

const (
	defaultListen = ":8080"
	defaultHealth = ":9090"
)

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
		HealthAddress: defaultHealth,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.HealthAddress = strings.TrimSpace(cfg.HealthAddress)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Pool.normalize()
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.DSN == "" && cfg.DataDir != "" {
		cfg.Journal.DSN = strings.TrimSuffix(cfg.DataDir, "/") + "/journal.db"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *PoolConfig) normalize() {
	cfg.Custody = strings.TrimSpace(cfg.Custody)
	cfg.Owner = strings.TrimSpace(cfg.Owner)
	cfg.Manager = strings.TrimSpace(cfg.Manager)
	cfg.StakeDenom = strings.ToUpper(strings.TrimSpace(cfg.StakeDenom))
	cfg.RewardDenom = strings.ToUpper(strings.TrimSpace(cfg.RewardDenom))
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Pool.validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac_secret required when auth is enabled")
	}
	for name, limit := range cfg.RateLimits {
		if limit.RatePerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s: values must not be negative", name)
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

func (cfg PoolConfig) validate() error {
	for field, value := range map[string]string{"custody": cfg.Custody, "owner": cfg.Owner} {
		if value == "" {
			return fmt.Errorf("%s address required", field)
		}
		if _, err := crypto.DecodeAddress(value); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if cfg.Manager != "" {
		if _, err := crypto.DecodeAddress(cfg.Manager); err != nil {
			return fmt.Errorf("manager: %w", err)
		}
	}
	if cfg.StakeDenom == "" || cfg.RewardDenom == "" {
		return fmt.Errorf("stake_denom and reward_denom are required")
	}
	if cfg.StakeDenom == cfg.RewardDenom {
		return fmt.Errorf("stake_denom and reward_denom must differ")
	}
	if cfg.ReduceRate > 100 {
		return fmt.Errorf("reduce_rate must be a percentage between 0 and 100")
	}
	return nil
}

// Addresses decodes the configured pool accounts. The manager is zero when
// unset.
func (cfg PoolConfig) Addresses() (custody, owner, manager crypto.Address, err error) {
	if custody, err = crypto.DecodeAddress(cfg.Custody); err != nil {
		return
	}
	if owner, err = crypto.DecodeAddress(cfg.Owner); err != nil {
		return
	}
	if cfg.Manager != "" {
		manager, err = crypto.DecodeAddress(cfg.Manager)
	}
	return
}

// InMemory reports whether state should be kept in memory only.
func (cfg Config) InMemory() bool {
	return cfg.DataDir == ""
}
