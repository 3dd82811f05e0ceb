package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port string

	// Inbound webhook
	WebhookSecret string

	// Management API auth
	JWTSecret     string
	AdminUser     string
	AdminPassword string

	// Database
	DBPath string

	// Telegram notifications (optional)
	TelegramBotToken string
	TelegramChatID   string

	// Logging
	LogLevel string

	// Trading policy file (yaml); defaults applied when absent.
	PolicyPath string

	Policy Policy
}

// Policy is the trading policy and tuning knobs, loaded from YAML.
// Every value has a default so the engine runs without a policy file.
type Policy struct {
	MaxLeverage       int     `yaml:"max_leverage"`
	MaxRiskPercentage float64 `yaml:"max_risk_percentage"`

	SymbolTTL time.Duration `yaml:"symbol_ttl"`

	Monitor MonitorPolicy `yaml:"monitor"`
	Stream  StreamPolicy  `yaml:"stream"`
	Limits  LimitPolicy   `yaml:"rate_limits"`
	FanOut  FanOutPolicy  `yaml:"fanout"`
	Session SessionPolicy `yaml:"session"`
}

// MonitorPolicy tunes the order monitor loop.
type MonitorPolicy struct {
	Interval       time.Duration `yaml:"interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	PriceTolerance float64       `yaml:"price_tolerance"` // fraction, e.g. 0.001
}

// StreamPolicy tunes the streaming connection manager.
type StreamPolicy struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ReconnectJitter   float64       `yaml:"reconnect_jitter"` // fraction of delay
}

// LimitPolicy tunes the token buckets.
type LimitPolicy struct {
	AccountPerSecond float64 `yaml:"account_per_second"`
	AccountBurst     int     `yaml:"account_burst"`
	SignalPerSecond  float64 `yaml:"signal_per_second"`
	SignalBurst      int     `yaml:"signal_burst"`
}

// FanOutPolicy bounds one signal's spread across accounts.
type FanOutPolicy struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SessionPolicy tunes the session pool.
type SessionPolicy struct {
	MaxSize     int           `yaml:"max_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultPolicy returns the built-in policy values: 1s monitor interval,
// 9 amendment attempts, 0.1% price tolerance.
func DefaultPolicy() Policy {
	return Policy{
		MaxLeverage:       100,
		MaxRiskPercentage: 100,
		SymbolTTL:         time.Hour,
		Monitor: MonitorPolicy{
			Interval:       time.Second,
			MaxAttempts:    9,
			PriceTolerance: 0.001,
		},
		Stream: StreamPolicy{
			HeartbeatInterval: 20 * time.Second,
			HeartbeatMisses:   3,
			ReconnectBase:     5 * time.Second,
			ReconnectMax:      5 * time.Minute,
			ReconnectJitter:   0.2,
		},
		Limits: LimitPolicy{
			AccountPerSecond: 10,
			AccountBurst:     20,
			SignalPerSecond:  5,
			SignalBurst:      10,
		},
		FanOut: FanOutPolicy{
			Timeout: 2 * time.Minute,
		},
		Session: SessionPolicy{
			MaxSize:     200,
			IdleTimeout: time.Hour,
		},
	}
}

// Load reads environment variables (optionally via .env) into Config and
// merges the policy file when present.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		AdminUser:        getEnv("ADMIN_USER", "admin"),
		AdminPassword:    os.Getenv("ADMIN_PASSWORD"),
		DBPath:           getEnv("DB_PATH", "./data/signalcore.db"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		PolicyPath:       os.Getenv("POLICY_PATH"),
		Policy:           DefaultPolicy(),
	}

	if cfg.PolicyPath != "" {
		if err := loadPolicyFile(cfg.PolicyPath, &cfg.Policy); err != nil {
			return nil, err
		}
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadPolicyFile(path string, into *Policy) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return nil
}

func (p *Policy) validate() error {
	if p.MaxLeverage <= 0 {
		return fmt.Errorf("policy: max_leverage must be positive")
	}
	if p.MaxRiskPercentage <= 0 || p.MaxRiskPercentage > 100 {
		return fmt.Errorf("policy: max_risk_percentage must be in (0, 100]")
	}
	if p.Monitor.Interval <= 0 || p.Monitor.MaxAttempts <= 0 {
		return fmt.Errorf("policy: monitor interval and max_attempts must be positive")
	}
	if p.Stream.ReconnectBase <= 0 || p.Stream.ReconnectMax < p.Stream.ReconnectBase {
		return fmt.Errorf("policy: reconnect_base must be positive and <= reconnect_max")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
