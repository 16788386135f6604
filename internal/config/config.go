// Package config loads runtime configuration from the environment, an
// optional .env file and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/quantumshield/backend/pkg/logger"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Auth       AuthConfig           `yaml:"auth"`
	Storage    StorageConfig        `yaml:"storage"`
	Logging    logger.LoggingConfig `yaml:"logging"`
	Security   SecurityConfig       `yaml:"security"`
	Chain      ChainConfig          `yaml:"chain"`
	Governance GovernanceConfig     `yaml:"governance"`
	Devices    DevicesConfig        `yaml:"devices"`
	Webhooks   WebhooksConfig       `yaml:"webhooks"`
	Jobs       JobsConfig           `yaml:"jobs"`
}

type ServerConfig struct {
	Addr            string        `env:"QS_HTTP_ADDR,default=:8080" yaml:"addr"`
	ReadTimeout     time.Duration `env:"QS_HTTP_READ_TIMEOUT,default=15s" yaml:"read_timeout"`
	WriteTimeout    time.Duration `env:"QS_HTTP_WRITE_TIMEOUT,default=30s" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `env:"QS_HTTP_SHUTDOWN_TIMEOUT,default=10s" yaml:"shutdown_timeout"`
	CORSOrigins     string        `env:"QS_CORS_ORIGINS,default=*" yaml:"cors_origins"`
	RateLimitRPS    int           `env:"QS_RATE_LIMIT_RPS,default=50" yaml:"rate_limit_rps"`
	RateLimitBurst  int           `env:"QS_RATE_LIMIT_BURST,default=100" yaml:"rate_limit_burst"`
	AuditLogPath    string        `env:"QS_AUDIT_LOG_PATH" yaml:"audit_log_path"`
}

type AuthConfig struct {
	JWTSecret   string        `env:"QS_JWT_SECRET,default=change-me-in-production" yaml:"jwt_secret"`
	TokenTTL    time.Duration `env:"QS_TOKEN_TTL,default=24h" yaml:"token_ttl"`
	StaticToken string        `env:"QS_API_TOKENS" yaml:"api_tokens"`
}

type StorageConfig struct {
	Driver      string        `env:"QS_STORAGE_DRIVER,default=memory" yaml:"driver"`
	PostgresDSN string        `env:"QS_POSTGRES_DSN" yaml:"postgres_dsn"`
	MongoURI    string        `env:"QS_MONGO_URI" yaml:"mongo_uri"`
	MongoDB     string        `env:"QS_MONGO_DATABASE,default=quantumshield" yaml:"mongo_database"`
	RedisURL    string        `env:"QS_REDIS_URL" yaml:"redis_url"`
	CacheTTL    time.Duration `env:"QS_CACHE_TTL,default=30s" yaml:"cache_ttl"`
}

type SecurityConfig struct {
	MasterKey      string        `env:"QS_MASTER_KEY" yaml:"master_key"`
	MaxFailedLogin int           `env:"QS_MAX_FAILED_LOGINS,default=5" yaml:"max_failed_logins"`
	LockoutPeriod  time.Duration `env:"QS_LOCKOUT_PERIOD,default=15m" yaml:"lockout_period"`
	TOTPIssuer     string        `env:"QS_TOTP_ISSUER,default=QuantumShield" yaml:"totp_issuer"`
	AdminUsername  string        `env:"QS_ADMIN_USERNAME" yaml:"admin_username"`
	AdminPassword  string        `env:"QS_ADMIN_PASSWORD" yaml:"admin_password"`
}

type ChainConfig struct {
	BlockGasLimit   uint64 `env:"QS_BLOCK_GAS_LIMIT,default=8000000" yaml:"block_gas_limit"`
	GasPrice        uint64 `env:"QS_GAS_PRICE,default=1" yaml:"gas_price"`
	BlockReward     uint64 `env:"QS_BLOCK_REWARD,default=50" yaml:"block_reward"`
	Premine         uint64 `env:"QS_PREMINE,default=1000000000" yaml:"premine"`
	MinValidatorStk uint64 `env:"QS_MIN_VALIDATOR_STAKE,default=10000" yaml:"min_validator_stake"`
	EpochReward     uint64 `env:"QS_EPOCH_REWARD,default=1000" yaml:"epoch_reward"`
}

type GovernanceConfig struct {
	VotingPeriod time.Duration `env:"QS_VOTING_PERIOD,default=72h" yaml:"voting_period"`
	Quorum       float64       `env:"QS_GOVERNANCE_QUORUM,default=0.1" yaml:"quorum"`
	Threshold    float64       `env:"QS_GOVERNANCE_THRESHOLD,default=0.5" yaml:"threshold"`
}

type DevicesConfig struct {
	OfflineAfter time.Duration `env:"QS_DEVICE_OFFLINE_AFTER,default=5m" yaml:"offline_after"`
}

type WebhooksConfig struct {
	Timeout time.Duration `env:"QS_WEBHOOK_TIMEOUT,default=10s" yaml:"timeout"`
}

// JobsConfig holds cron specs for background jobs. An empty spec disables the job.
type JobsConfig struct {
	BlockProduction string        `env:"QS_JOB_BLOCKS,default=@every 10s" yaml:"block_production"`
	DeviceSweep     string        `env:"QS_JOB_DEVICE_SWEEP,default=@every 1m" yaml:"device_sweep"`
	WebhookRetry    string        `env:"QS_JOB_WEBHOOK_RETRY,default=@every 30s" yaml:"webhook_retry"`
	GovernanceTick  string        `env:"QS_JOB_GOVERNANCE,default=@every 5m" yaml:"governance_tick"`
	StakingRewards  string        `env:"QS_JOB_STAKING_REWARDS,default=@hourly" yaml:"staking_rewards"`
	Compression     string        `env:"QS_JOB_COMPRESSION,default=@hourly" yaml:"compression"`
	Archiving       string        `env:"QS_JOB_ARCHIVING,default=@daily" yaml:"archiving"`
	CompressAfter   time.Duration `env:"QS_COMPRESS_AFTER,default=1h" yaml:"compress_after"`
}

// Load reads .env (if present), the environment and the optional YAML file
// named by QS_CONFIG_FILE, in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.Logging = logger.LoggingConfig{
		Level:      envOr("QS_LOG_LEVEL", "info"),
		Format:     envOr("QS_LOG_FORMAT", "text"),
		Output:     envOr("QS_LOG_OUTPUT", "stdout"),
		FilePrefix: os.Getenv("QS_LOG_FILE_PREFIX"),
	}

	if path := strings.TrimSpace(os.Getenv("QS_CONFIG_FILE")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("QS_POSTGRES_DSN is required for postgres storage")
		}
	case "mongo":
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("QS_MONGO_URI is required for mongo storage")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("QS_JWT_SECRET is required")
	}
	if c.Governance.Quorum < 0 || c.Governance.Quorum > 1 {
		return fmt.Errorf("governance quorum must be within [0,1]")
	}
	if c.Governance.Threshold <= 0 || c.Governance.Threshold > 1 {
		return fmt.Errorf("governance threshold must be within (0,1]")
	}
	if c.Chain.BlockGasLimit == 0 {
		return fmt.Errorf("block gas limit must be positive")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	return nil
}

// APITokens returns the configured static bearer tokens.
func (c *Config) APITokens() []string {
	return splitCSV(c.Auth.StaticToken)
}

// AllowedOrigins returns the configured CORS origins.
func (c *Config) AllowedOrigins() []string {
	return splitCSV(c.Server.CORSOrigins)
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
