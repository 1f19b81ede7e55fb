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

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Billing webhook verification
	WebhookSecret string

	// AWS services
	AWSRegion      string
	PushTopicARN   string // SNS topic for push delivery; empty disables push sends
	SESFromEmail   string // sender for recovery confirmation emails
	EventsQueueURL string // SQS queue for case lifecycle events; empty disables publishing

	// Membership platform API (manage URLs, direct messages)
	PlatformAPIBaseURL string
	PlatformAPIKey     string
	PlatformTimeout    int // seconds

	// Reminder cycle tuning
	BatchSize          int
	MaxConcurrentSends int

	// Rate limits (requests per minute, per company)
	WebhookRateLimit int
	ActionRateLimit  int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "reclaim",
		DBPassword: "",
		DBName:     "reclaim",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "billing@reclaim.local",

		PlatformAPIBaseURL: "http://localhost:9090",
		PlatformTimeout:    10,

		BatchSize:          25,
		MaxConcurrentSends: 5,

		WebhookRateLimit: 120,
		ActionRateLimit:  30,
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

	// Webhook secret is required outside development
	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		cfg.WebhookSecret = secret
	} else if cfg.Env == "production" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required in production")
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if arn := os.Getenv("PUSH_TOPIC_ARN"); arn != "" {
		cfg.PushTopicARN = arn
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if url := os.Getenv("EVENTS_QUEUE_URL"); url != "" {
		cfg.EventsQueueURL = url
	}

	// Platform API config
	if url := os.Getenv("PLATFORM_API_BASE_URL"); url != "" {
		cfg.PlatformAPIBaseURL = url
	}

	if key := os.Getenv("PLATFORM_API_KEY"); key != "" {
		cfg.PlatformAPIKey = key
	}

	if timeout := os.Getenv("PLATFORM_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PLATFORM_TIMEOUT: %w", err)
		}
		cfg.PlatformTimeout = t
	}

	// Cycle tuning
	if size := os.Getenv("BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %q", size)
		}
		cfg.BatchSize = s
	}

	if sends := os.Getenv("MAX_CONCURRENT_SENDS"); sends != "" {
		s, err := strconv.Atoi(sends)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_SENDS: %q", sends)
		}
		cfg.MaxConcurrentSends = s
	}

	// Rate limits
	if limit := os.Getenv("WEBHOOK_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l <= 0 {
			return nil, fmt.Errorf("invalid WEBHOOK_RATE_LIMIT: %q", limit)
		}
		cfg.WebhookRateLimit = l
	}

	if limit := os.Getenv("ACTION_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l <= 0 {
			return nil, fmt.Errorf("invalid ACTION_RATE_LIMIT: %q", limit)
		}
		cfg.ActionRateLimit = l
	}

	return cfg, nil
}

// IsProduction reports whether the process runs with production semantics
// (fail-closed rate limiting, mandatory webhook secret).
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
