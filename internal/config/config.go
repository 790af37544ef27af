package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Redis (ops API rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Twilio gateway
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string
	GatewayTimeout       int // seconds

	// Calendar
	CalendarTimezone string

	// Queue tuning
	MaxAttempts       int // delivery attempts per message
	ThrottleWindowMin int // per-recipient throttle lookback, minutes
	ThrottleCap       int // max sent messages inside the throttle window
	BatchSize         int // messages claimed per dispatch cycle
	TickSeconds       int // dispatcher cadence

	// Broadcast sweep cron spec
	BroadcastSchedule string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "relay",
		DBPassword: "",
		DBName:     "relay",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		GatewayTimeout: 15,

		CalendarTimezone: "Africa/Nairobi",

		MaxAttempts:       3,
		ThrottleWindowMin: 20,
		ThrottleCap:       3,
		BatchSize:         50,
		TickSeconds:       5,

		BroadcastSchedule: "@every 5m",
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

	// Twilio config
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		cfg.TwilioAccountSID = sid
	}

	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" {
		cfg.TwilioAuthToken = token
	}

	if number := os.Getenv("TWILIO_WHATSAPP_NUMBER"); number != "" {
		cfg.TwilioWhatsAppNumber = number
	}

	if timeout := os.Getenv("GATEWAY_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid GATEWAY_TIMEOUT: %w", err)
		}
		cfg.GatewayTimeout = t
	}

	// Calendar config
	if tz := os.Getenv("CALENDAR_TIMEZONE"); tz != "" {
		cfg.CalendarTimezone = tz
	}

	// Queue tuning
	if v := os.Getenv("QUEUE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: %q", v)
		}
		cfg.MaxAttempts = n
	}

	if v := os.Getenv("THROTTLE_WINDOW_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid THROTTLE_WINDOW_MIN: %q", v)
		}
		cfg.ThrottleWindowMin = n
	}

	if v := os.Getenv("THROTTLE_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid THROTTLE_CAP: %q", v)
		}
		cfg.ThrottleCap = n
	}

	if v := os.Getenv("DISPATCH_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %q", v)
		}
		cfg.BatchSize = n
	}

	if v := os.Getenv("DISPATCH_TICK_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid DISPATCH_TICK_SECONDS: %q", v)
		}
		cfg.TickSeconds = n
	}

	if v := os.Getenv("BROADCAST_SCHEDULE"); v != "" {
		cfg.BroadcastSchedule = v
	}

	return cfg, nil
}
