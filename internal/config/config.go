package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// WhatsApp gateway (external protocol bridge)
	GatewayBaseURL string
	GatewayToken   string
	GatewayTimeout time.Duration
	PairingTimeout time.Duration

	// Outbound rate limit (per tenant, fixed window)
	MessagesPerWindow int
	RateLimitWindow   time.Duration

	// Delivery worker
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration

	// Human pacing: base + per-character delay applied before each send
	PacingBase    time.Duration
	PacingPerChar time.Duration
	PacingMax     time.Duration

	// Reminder scheduler
	ReminderInterval time.Duration
	ReminderOffsets  []time.Duration
	SessionIdleMax   time.Duration

	// SMS fallback via AWS SNS
	SMSFallbackEnabled bool
	SNSRegion          string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first, if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		GatewayTimeout: 30 * time.Second,
		PairingTimeout: 2 * time.Minute,

		MessagesPerWindow: 10,
		RateLimitWindow:   60 * time.Second,

		PollInterval: 30 * time.Second,
		BatchSize:    5,
		MaxAttempts:  3,
		BackoffBase:  1 * time.Minute,
		BackoffCap:   30 * time.Minute,

		PacingBase:    2 * time.Second,
		PacingPerChar: 50 * time.Millisecond,
		PacingMax:     10 * time.Second,

		ReminderInterval: 2 * time.Minute,
		ReminderOffsets:  []time.Duration{24 * time.Hour, 2 * time.Hour, 1 * time.Hour},
		SessionIdleMax:   72 * time.Hour,

		SNSRegion: "us-east-1",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Gateway config
	if url := os.Getenv("GATEWAY_BASE_URL"); url != "" {
		cfg.GatewayBaseURL = url
	}

	if token := os.Getenv("GATEWAY_TOKEN"); token != "" {
		cfg.GatewayToken = token
	}

	if d, err := durationEnv("GATEWAY_TIMEOUT"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.GatewayTimeout = d
	}

	if d, err := durationEnv("PAIRING_TIMEOUT"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.PairingTimeout = d
	}

	// Outbound rate limit
	if n := os.Getenv("MESSAGES_PER_WINDOW"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid MESSAGES_PER_WINDOW: %w", err)
		}
		cfg.MessagesPerWindow = v
	}

	if d, err := durationEnv("RATE_LIMIT_WINDOW"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.RateLimitWindow = d
	}

	// Worker config
	if d, err := durationEnv("POLL_INTERVAL"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.PollInterval = d
	}

	if n := os.Getenv("BATCH_SIZE"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = v
	}

	if n := os.Getenv("MAX_ATTEMPTS"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = v
	}

	if d, err := durationEnv("BACKOFF_BASE"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.BackoffBase = d
	}

	if d, err := durationEnv("BACKOFF_CAP"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.BackoffCap = d
	}

	// Pacing config
	if d, err := durationEnv("PACING_BASE"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.PacingBase = d
	}

	if d, err := durationEnv("PACING_PER_CHAR"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.PacingPerChar = d
	}

	if d, err := durationEnv("PACING_MAX"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.PacingMax = d
	}

	// Reminder config
	if d, err := durationEnv("REMINDER_INTERVAL"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.ReminderInterval = d
	}

	if offsets := os.Getenv("REMINDER_OFFSETS"); offsets != "" {
		parsed, err := parseOffsets(offsets)
		if err != nil {
			return nil, fmt.Errorf("invalid REMINDER_OFFSETS: %w", err)
		}
		cfg.ReminderOffsets = parsed
	}

	if d, err := durationEnv("SESSION_IDLE_MAX"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.SessionIdleMax = d
	}

	// SMS fallback
	if v := os.Getenv("SMS_FALLBACK_ENABLED"); v == "true" || v == "1" {
		cfg.SMSFallbackEnabled = true
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	}

	return cfg, nil
}

func durationEnv(name string) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// parseOffsets parses a comma-separated list of durations, e.g. "24h,2h,1h".
func parseOffsets(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("offset must be positive: %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}
