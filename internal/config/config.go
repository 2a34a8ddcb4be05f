package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
// One binary serves three modes (scheduler, consumer, signer); each mode reads
// its own section plus the shared server block.
type Config struct {
	// Mode selects the runtime mode: "scheduler", "consumer" or "signer".
	Mode string `env:"FORGEOS_MODE" envDefault:"scheduler"`

	// Server
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Scheduler SchedulerConfig
	Consumer  ConsumerConfig
	Signer    SignerConfig
}

// SchedulerConfig configures the distributed agent cycle scheduler.
type SchedulerConfig struct {
	AllowedOrigins []string `env:"SCHEDULER_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Redis. Empty URL selects the in-memory single-replica fallback.
	RedisURL           string `env:"SCHEDULER_REDIS_URL"`
	RedisPrefix        string `env:"SCHEDULER_REDIS_PREFIX" envDefault:"forgeos"`
	AuthoritativeQueue bool   `env:"SCHEDULER_REDIS_AUTHORITATIVE_QUEUE" envDefault:"true"`

	// Tick loop and dispatch pump
	TickMs            int `env:"SCHEDULER_TICK_MS" envDefault:"1000"`
	TickBatch         int `env:"SCHEDULER_TICK_BATCH" envDefault:"64"`
	CycleConcurrency  int `env:"SCHEDULER_CYCLE_CONCURRENCY" envDefault:"4"`
	MaxQueue          int `env:"SCHEDULER_MAX_QUEUE" envDefault:"1000"`
	MaxAgents         int `env:"SCHEDULER_MAX_AGENTS" envDefault:"500"`
	CallbackTimeoutMs int `env:"SCHEDULER_CALLBACK_TIMEOUT_MS" envDefault:"8000"`

	// Leases and locks
	LeaderLockTTLMs          int `env:"SCHEDULER_LEADER_LOCK_TTL_MS" envDefault:"15000"`
	LeaderLockRenewMs        int `env:"SCHEDULER_LEADER_LOCK_RENEW_MS" envDefault:"0"`
	JobLeaseTTLMs            int `env:"SCHEDULER_JOB_LEASE_TTL_MS" envDefault:"60000"`
	ExecLeaseTTLMs           int `env:"SCHEDULER_REDIS_EXEC_LEASE_TTL_MS" envDefault:"30000"`
	CallbackIdempotencyTTLMs int `env:"SCHEDULER_CALLBACK_IDEMPOTENCY_TTL_MS" envDefault:"86400000"`

	// Upstream market probes
	KasAPIBase        string `env:"KAS_API_BASE" envDefault:"https://api.kaspa.org"`
	KasAPITimeoutMs   int    `env:"KAS_API_TIMEOUT_MS" envDefault:"5000"`
	MarketCacheTTLMs  int    `env:"SCHEDULER_MARKET_CACHE_TTL_MS" envDefault:"3000"`
	BalanceCacheTTLMs int    `env:"SCHEDULER_BALANCE_CACHE_TTL_MS" envDefault:"5000"`

	// Wallet address validation
	WalletPrefixes []string `env:"SCHEDULER_WALLET_PREFIXES" envDefault:"kaspa:,kaspatest:" envSeparator:","`

	Auth  AuthConfig
	Quota QuotaConfig
}

// AuthConfig configures bearer authentication for the scheduler control plane.
type AuthConfig struct {
	// AdminTokens are shared secrets carrying the admin super-scope.
	AdminTokens []string `env:"SCHEDULER_AUTH_TOKENS" envSeparator:","`

	// AuthReads controls whether GET routes require authentication.
	AuthReads bool `env:"SCHEDULER_AUTH_READS" envDefault:"true"`

	// ServiceTokensJSON is a JSON array of service-token records:
	// [{"subject":"svc","scopes":["agent:read"],"token":"...","tokenBcrypt":"..."}].
	ServiceTokensJSON string `env:"SCHEDULER_SERVICE_TOKENS_JSON"`

	// HS256 shared-secret JWTs.
	JWTHS256Secret string `env:"SCHEDULER_JWT_HS256_SECRET"`

	// RS256 JWTs verified against a JWKS document. The JWKS URL is either
	// configured directly or discovered from the OIDC issuer.
	JWKSURL         string   `env:"SCHEDULER_JWKS_URL"`
	JWKSAllowedKids []string `env:"SCHEDULER_JWKS_ALLOWED_KIDS" envSeparator:","`
	JWKSCacheTTLMs  int      `env:"SCHEDULER_JWKS_CACHE_TTL_MS" envDefault:"300000"`
	JWKSTimeoutMs   int      `env:"SCHEDULER_JWKS_TIMEOUT_MS" envDefault:"5000"`
	OIDCIssuer      string   `env:"SCHEDULER_OIDC_ISSUER"`

	// Optional claim checks.
	JWTIssuer   string `env:"SCHEDULER_JWT_ISSUER"`
	JWTAudience string `env:"SCHEDULER_JWT_AUDIENCE"`
}

// QuotaConfig configures per-subject token buckets.
type QuotaConfig struct {
	WindowMs int `env:"SCHEDULER_QUOTA_WINDOW_MS" envDefault:"60000"`
	Read     int `env:"SCHEDULER_QUOTA_READ" envDefault:"120"`
	Write    int `env:"SCHEDULER_QUOTA_WRITE" envDefault:"60"`
	Tick     int `env:"SCHEDULER_QUOTA_TICK" envDefault:"12"`
}

// ConsumerConfig configures the callback consumer service.
type ConsumerConfig struct {
	AllowedOrigins []string `env:"CONSUMER_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	AdminTokens    []string `env:"CONSUMER_AUTH_TOKENS" envSeparator:","`
	AuthReads      bool     `env:"CONSUMER_AUTH_READS" envDefault:"false"`

	RedisURL    string `env:"CONSUMER_REDIS_URL"`
	RedisPrefix string `env:"CONSUMER_REDIS_PREFIX" envDefault:"forgeos"`

	// DatabaseURL, when set, enables the durable execution-receipt archive.
	DatabaseURL string `env:"DATABASE_URL"`

	EventsCap     int `env:"CONSUMER_EVENTS_CAP" envDefault:"500"`
	ReceiptLRUCap int `env:"CONSUMER_RECEIPT_LRU_CAP" envDefault:"1024"`
	ReceiptTTLMs  int64 `env:"CONSUMER_RECEIPT_TTL_MS" envDefault:"2592000000"`
	DedupeTTLMs   int `env:"CONSUMER_DEDUPE_TTL_MS" envDefault:"86400000"`
}

// SignerConfig configures the audit signer service.
type SignerConfig struct {
	AllowedOrigins []string `env:"SIGNER_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	AdminTokens    []string `env:"SIGNER_AUTH_TOKENS" envSeparator:","`
	AuthReads      bool     `env:"SIGNER_AUTH_READS" envDefault:"false"`

	// Exactly one signing backend: a local PEM key (inline or by path) or an
	// external command speaking JSON over stdin/stdout.
	PrivateKeyPEM    string `env:"AUDIT_SIGNER_PRIVATE_KEY_PEM"`
	PrivateKeyPath   string `env:"AUDIT_SIGNER_PRIVATE_KEY_PATH"`
	Command          string `env:"AUDIT_SIGNER_COMMAND"`
	CommandTimeoutMs int    `env:"AUDIT_SIGNER_COMMAND_TIMEOUT_MS" envDefault:"5000"`

	KeyID         string `env:"AUDIT_SIGNER_KEY_ID" envDefault:"forgeos-audit"`
	AppendLogPath string `env:"AUDIT_SIGNER_APPEND_LOG_PATH"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RenewIntervalMs returns the leader-lock renew interval, defaulting to half
// the lock TTL when not set explicitly.
func (s *SchedulerConfig) RenewIntervalMs() int {
	if s.LeaderLockRenewMs > 0 {
		return s.LeaderLockRenewMs
	}
	return s.LeaderLockTTLMs / 2
}
