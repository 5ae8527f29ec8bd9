package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Rules are the reward constants shared by every code path.
type Rules struct {
	SessionDuration time.Duration
	TotalReward     decimal.Decimal
	XPRatio         decimal.Decimal
	ReferralRate    decimal.Decimal
	DailyLocation   *time.Location
}

// DefaultRules mirrors the env defaults below.
func DefaultRules() Rules {
	return Rules{
		SessionDuration: 5 * time.Hour,
		TotalReward:     decimal.NewFromInt(100),
		XPRatio:         decimal.RequireFromString("0.5"),
		ReferralRate:    decimal.RequireFromString("0.10"),
		DailyLocation:   time.UTC,
	}
}

func (r Rules) Validate() error {
	if r.SessionDuration <= 0 {
		return errors.New("FARM_SESSION_DURATION must be positive")
	}
	if !r.TotalReward.IsPositive() {
		return errors.New("FARM_TOTAL_REWARD must be positive")
	}
	if r.XPRatio.IsNegative() {
		return errors.New("FARM_XP_RATIO must not be negative")
	}
	if r.ReferralRate.IsNegative() || r.ReferralRate.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("REFERRAL_RATE must be within [0, 1]")
	}
	if r.DailyLocation == nil {
		return errors.New("DAILY_REWARD_TZ is invalid")
	}
	return nil
}

type Config struct {
	AppPort string
	AppEnv  string

	DatabaseURL       string
	DBConnectAttempts int
	DBConnectBackoff  time.Duration

	EncryptionKey string
	BotToken      string
	JWTSecret     string
	JWTTTL        time.Duration
	AuthMaxAge    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	APIRateLimit  int
	APIRateWindow time.Duration

	Rules Rules

	SweepInterval time.Duration
	SweepBatch    int
	TxMaxAttempts int

	LogLevel string
	LogJSON  bool
}

func (c *Config) Production() bool {
	return c.AppEnv != "development"
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppPort:           envDefault("APP_PORT", "8080"),
		AppEnv:            strings.ToLower(envDefault("APP_ENV", "production")),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBConnectAttempts: envIntDefault("DB_CONNECT_ATTEMPTS", 5),
		DBConnectBackoff:  envDurationDefault("DB_CONNECT_BACKOFF", 2*time.Second),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		BotToken:          strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTTTL:            envDurationDefault("JWT_TTL", 24*time.Hour),
		AuthMaxAge:        envDurationDefault("AUTH_MAX_AGE", 24*time.Hour),
		RedisAddr:         strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           envIntDefault("REDIS_DB", 0),
		APIRateLimit:      envIntDefault("API_RATE_LIMIT", 60),
		APIRateWindow:     envDurationDefault("API_RATE_WINDOW", time.Minute),
		SweepInterval:     envDurationDefault("SWEEP_INTERVAL", time.Minute),
		SweepBatch:        envIntDefault("SWEEP_BATCH", 100),
		TxMaxAttempts:     envIntDefault("TX_MAX_ATTEMPTS", 5),
		LogLevel:          envDefault("LOG_LEVEL", "info"),
		LogJSON:           envBoolDefault("LOG_JSON", false),
	}

	if len(cfg.EncryptionKey) < 32 {
		return nil, errors.New("ENCRYPTION_KEY must be set and at least 32 bytes long")
	}

	rules := DefaultRules()
	var err error
	if rules.SessionDuration, err = envDurationStrict("FARM_SESSION_DURATION", rules.SessionDuration); err != nil {
		return nil, err
	}
	if rules.TotalReward, err = envDecimalDefault("FARM_TOTAL_REWARD", rules.TotalReward); err != nil {
		return nil, err
	}
	if rules.XPRatio, err = envDecimalDefault("FARM_XP_RATIO", rules.XPRatio); err != nil {
		return nil, err
	}
	if rules.ReferralRate, err = envDecimalDefault("REFERRAL_RATE", rules.ReferralRate); err != nil {
		return nil, err
	}
	if tz := strings.TrimSpace(os.Getenv("DAILY_REWARD_TZ")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("DAILY_REWARD_TZ: %w", err)
		}
		rules.DailyLocation = loc
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	cfg.Rules = rules

	if cfg.TxMaxAttempts < 1 {
		cfg.TxMaxAttempts = 1
	}
	if cfg.SweepBatch < 1 {
		cfg.SweepBatch = 100
	}

	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// envDurationStrict is envDurationDefault for payout constants: a value that
// does not parse or is not positive is an error.
func envDurationStrict(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, v)
	}
	return d, nil
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Reward constants must parse; a silently ignored typo would change payouts.
func envDecimalDefault(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
