package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig         `json:"server"`
	Redis     RedisConfig          `json:"redis"`
	Database  DatabaseConfig       `json:"database"`
	Auth      AuthConfig           `json:"auth"`
	RateLimit RateLimitConfig      `json:"rate_limit"`
	Tiers     map[string]TierLimit `json:"tiers"`
	Quota     QuotaConfig          `json:"quota"`
	LLM       LLMConfig            `json:"llm"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
	UpgradeURL  string `json:"upgrade_url"`

	// Request logs older than this are purged once a day. Zero disables
	// the purge.
	LogRetentionDays int `json:"log_retention_days"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type AuthConfig struct {
	JWTSecret      string `json:"jwt_secret"`
	JWTExpiryHours int    `json:"jwt_expiry_hours"`
}

// RateLimitConfig drives the IP admission layer. General covers ordinary API
// traffic, Generation the expensive content-generation endpoints.
type RateLimitConfig struct {
	Enabled             bool `json:"enabled"`
	GeneralPerMinute    int  `json:"general_per_minute"`
	GenerationPerMinute int  `json:"generation_per_minute"`

	// Behavior when the counter store errors out. General traffic defaults
	// to fail-open, generation to fail-closed since that is the costly path.
	GeneralFailOpen    bool `json:"general_fail_open"`
	GenerationFailOpen bool `json:"generation_fail_open"`

	TrustForwardedFor bool `json:"trust_forwarded_for"`
	MaxTrackedKeys    int  `json:"max_tracked_keys"`
	SweepSeconds      int  `json:"sweep_seconds"`
}

// TierLimit is the static per-tier ceiling set. Loaded once at startup and
// never mutated at runtime.
type TierLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
	DailyQuota        int `json:"daily_quota"`
	MonthlyQuota      int `json:"monthly_quota"`
}

type QuotaConfig struct {
	Enabled     bool   `json:"enabled"`
	FallbackDir string `json:"fallback_dir"`
}

type LLMConfig struct {
	BucketCapacity int      `json:"bucket_capacity"`
	RefillRate     float64  `json:"refill_rate"` // tokens per second
	MaxQueueSize   int      `json:"max_queue_size"`
	MaxWaitSeconds int      `json:"max_wait_seconds"`
	Providers      []string `json:"providers"` // provider base URLs
	Strategy       string   `json:"strategy"`  // load balancer strategy
}

func (l LLMConfig) MaxWait() time.Duration {
	return time.Duration(l.MaxWaitSeconds) * time.Second
}

// Load reads the JSON config file, fills in defaults, then applies
// environment overrides. A missing file is not an error - everything can be
// configured through the environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             "8080",
			Environment:      "development",
			UpgradeURL:       "https://draftforge.io/pricing",
			LogRetentionDays: 30,
		},
		Auth: AuthConfig{
			JWTExpiryHours: 24,
		},
		RateLimit: RateLimitConfig{
			Enabled:             true,
			GeneralPerMinute:    60,
			GenerationPerMinute: 10,
			GeneralFailOpen:     true,
			GenerationFailOpen:  false,
			MaxTrackedKeys:      100_000,
			SweepSeconds:        60,
		},
		Tiers: map[string]TierLimit{
			"free":     {RequestsPerMinute: 10, RequestsPerHour: 100, DailyQuota: 10, MonthlyQuota: 100},
			"starter":  {RequestsPerMinute: 30, RequestsPerHour: 500, DailyQuota: 50, MonthlyQuota: 1000},
			"pro":      {RequestsPerMinute: 60, RequestsPerHour: 2000, DailyQuota: 200, MonthlyQuota: 5000},
			"business": {RequestsPerMinute: 120, RequestsPerHour: 5000, DailyQuota: 1000, MonthlyQuota: 20000},
		},
		Quota: QuotaConfig{
			Enabled:     true,
			FallbackDir: "data/quota",
		},
		LLM: LLMConfig{
			BucketCapacity: 20,
			RefillRate:     2,
			MaxQueueSize:   50,
			MaxWaitSeconds: 10,
			Strategy:       "round-robin",
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Environment, "ENVIRONMENT")
	setString(&cfg.Server.UpgradeURL, "UPGRADE_URL")
	setInt(&cfg.Server.LogRetentionDays, "LOG_RETENTION_DAYS")

	setString(&cfg.Redis.Host, "REDIS_HOST")
	setString(&cfg.Redis.Port, "REDIS_PORT")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.Database.DSN, "DATABASE_URL")

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setInt(&cfg.Auth.JWTExpiryHours, "JWT_EXPIRY_HOURS")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.GeneralPerMinute, "RATE_LIMIT_GENERAL")
	setInt(&cfg.RateLimit.GenerationPerMinute, "RATE_LIMIT_GENERATION")
	setBool(&cfg.RateLimit.TrustForwardedFor, "RATE_LIMIT_TRUST_FORWARDED_FOR")

	setBool(&cfg.Quota.Enabled, "QUOTA_ENABLED")
	setString(&cfg.Quota.FallbackDir, "QUOTA_FALLBACK_DIR")

	setInt(&cfg.LLM.BucketCapacity, "LLM_BUCKET_CAPACITY")
	setFloat(&cfg.LLM.RefillRate, "LLM_REFILL_RATE")
	setInt(&cfg.LLM.MaxQueueSize, "LLM_MAX_QUEUE")
	setInt(&cfg.LLM.MaxWaitSeconds, "LLM_MAX_WAIT_SECONDS")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// TierFor returns the limits for the named tier, falling back to free.
func (c *Config) TierFor(name string) TierLimit {
	if limits, ok := c.Tiers[name]; ok {
		return limits
	}
	return c.Tiers["free"]
}
