package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// Receipt queue (SQS). Empty queue URL means receipts are applied inline.
	SQSRegion   string
	SQSQueueURL string
	SQSDLQURL   string

	// Vendor selection: "simulated" (default), or "aws" for SES/SNS.
	VendorMode string

	// AWS vendor settings
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Simulated vendor tuning
	SimWorkers     int
	SimFailureRate float64
	SimSeed        int64 // 0 means time-seeded

	// Background workers
	RetrySweepInterval time.Duration
	RetrySweepBatch    int
	StatsSyncInterval  time.Duration

	// Rate limiting
	RateLimit       int
	RateLimitWindow time.Duration

	// Where click tracking redirects when the link carries no url parameter.
	ClickFallbackURL string

	// AI / OpenAI config
	AIEnabled    bool
	OpenAIAPIKey string
	OpenAIModel  string
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
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		VendorMode:   "simulated",
		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@beacon.local",

		SimWorkers:     4,
		SimFailureRate: 0.10,

		RetrySweepInterval: 30 * time.Second,
		RetrySweepBatch:    100,
		StatsSyncInterval:  5 * time.Minute,

		RateLimit:       100,
		RateLimitWindow: time.Minute,

		ClickFallbackURL: "https://beacon.local",
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

	// Vendor config
	if mode := os.Getenv("VENDOR_MODE"); mode != "" {
		if mode != "simulated" && mode != "aws" {
			return nil, fmt.Errorf("invalid VENDOR_MODE %q (want simulated or aws)", mode)
		}
		cfg.VendorMode = mode
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}

	// Simulator tuning
	if workers := os.Getenv("SIM_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid SIM_WORKERS: %w", err)
		}
		cfg.SimWorkers = w
	}

	if rate := os.Getenv("SIM_FAILURE_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil || r < 0 || r > 1 {
			return nil, fmt.Errorf("invalid SIM_FAILURE_RATE %q", rate)
		}
		cfg.SimFailureRate = r
	}

	if seed := os.Getenv("SIM_SEED"); seed != "" {
		s, err := strconv.ParseInt(seed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SIM_SEED: %w", err)
		}
		cfg.SimSeed = s
	}

	// Worker config
	if interval := os.Getenv("RETRY_SWEEP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_SWEEP_INTERVAL: %w", err)
		}
		cfg.RetrySweepInterval = d
	}

	if batch := os.Getenv("RETRY_SWEEP_BATCH"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_SWEEP_BATCH: %w", err)
		}
		cfg.RetrySweepBatch = b
	}

	if interval := os.Getenv("STATS_SYNC_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid STATS_SYNC_INTERVAL: %w", err)
		}
		cfg.StatsSyncInterval = d
	}

	// Rate limiting
	if limit := os.Getenv("RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = l
	}

	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
		}
		cfg.RateLimitWindow = d
	}

	if target := os.Getenv("CLICK_FALLBACK_URL"); target != "" {
		cfg.ClickFallbackURL = target
	}

	// AI config
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIAPIKey = key
		cfg.AIEnabled = true
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	} else {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	return cfg, nil
}
