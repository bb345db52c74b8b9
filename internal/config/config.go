package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SMS provider names accepted by SMS_PROVIDER.
const (
	SMSProviderBridge = "bridge"
	SMSProviderSNS    = "sns"
	SMSProviderLog    = "log"
)

type Config struct {
	LogLevel  string
	Env       string
	AdminPort int

	// Database (notification config, notification log, worker log).
	// DatabaseURL overrides the DB_* fields when set.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS
	AWSRegion   string
	SQSRegion   string
	SQSQueueURL string
	SNSRegion   string // AWS region for SNS (SMS and run topic)
	RunTopicARN string // optional topic for run-completed events

	// Bridge participant directory
	BridgeBaseURL      string
	BridgeSessionToken string
	BridgeTimeout      int // seconds
	BridgePageSize     int

	// Worker
	PerUserRateLimit  float64 // participants per second
	ConfigCacheTTL    time.Duration
	ReportingInterval int
	SMSProvider       string
	RunLockTTL        time.Duration
	// SQSVisibilityTimeout hides a received request while it runs. The
	// poller keeps extending it until the run ends.
	SQSVisibilityTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:  "info",
		Env:       "development",
		AdminPort: 8080,

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "burstnudge",
		DBName:    "burstnudge",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		BridgeBaseURL:  "https://webservices.sagebridge.org",
		BridgeTimeout:  30,
		BridgePageSize: 100,

		PerUserRateLimit:  1.0,
		ConfigCacheTTL:    5 * time.Minute,
		ReportingInterval: 250,
		SMSProvider:       SMSProviderBridge,
		RunLockTTL:        6 * time.Hour,

		SQSVisibilityTimeout: time.Hour,
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if port := os.Getenv("ADMIN_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_PORT: %w", err)
		}
		cfg.AdminPort = p
	}

	// Database config
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}

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

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
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

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("RUN_TOPIC_ARN"); arn != "" {
		cfg.RunTopicARN = arn
	}

	// Bridge config
	if url := os.Getenv("BRIDGE_BASE_URL"); url != "" {
		cfg.BridgeBaseURL = url
	}

	if token := os.Getenv("BRIDGE_SESSION_TOKEN"); token != "" {
		cfg.BridgeSessionToken = token
	}

	if timeout := os.Getenv("BRIDGE_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid BRIDGE_TIMEOUT: %w", err)
		}
		cfg.BridgeTimeout = t
	}

	if size := os.Getenv("BRIDGE_PAGE_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid BRIDGE_PAGE_SIZE: %w", err)
		}
		cfg.BridgePageSize = s
	}

	// Worker config
	if rate := os.Getenv("PER_USER_RATE_LIMIT"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid PER_USER_RATE_LIMIT: %w", err)
		}
		cfg.PerUserRateLimit = r
	}

	if ttl := os.Getenv("CONFIG_CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid CONFIG_CACHE_TTL: %w", err)
		}
		cfg.ConfigCacheTTL = d
	}

	if interval := os.Getenv("REPORTING_INTERVAL"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid REPORTING_INTERVAL: %w", err)
		}
		cfg.ReportingInterval = i
	}

	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		cfg.SMSProvider = provider
	}

	if ttl := os.Getenv("RUN_LOCK_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid RUN_LOCK_TTL: %w", err)
		}
		cfg.RunLockTTL = d
	}

	if timeout := os.Getenv("SQS_VISIBILITY_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SQS_VISIBILITY_TIMEOUT: %w", err)
		}
		cfg.SQSVisibilityTimeout = d
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.PerUserRateLimit <= 0 {
		return fmt.Errorf("PER_USER_RATE_LIMIT must be positive, got %v", c.PerUserRateLimit)
	}
	if c.ConfigCacheTTL <= 0 {
		return fmt.Errorf("CONFIG_CACHE_TTL must be positive, got %s", c.ConfigCacheTTL)
	}
	if c.ReportingInterval <= 0 {
		return fmt.Errorf("REPORTING_INTERVAL must be positive, got %d", c.ReportingInterval)
	}
	if c.BridgePageSize <= 0 {
		return fmt.Errorf("BRIDGE_PAGE_SIZE must be positive, got %d", c.BridgePageSize)
	}
	if c.SQSVisibilityTimeout < time.Second || c.SQSVisibilityTimeout > 12*time.Hour {
		return fmt.Errorf("SQS_VISIBILITY_TIMEOUT must be between 1s and 12h, got %s", c.SQSVisibilityTimeout)
	}

	switch c.SMSProvider {
	case SMSProviderBridge, SMSProviderSNS, SMSProviderLog:
	default:
		return fmt.Errorf("invalid SMS_PROVIDER %q (want bridge, sns, or log)", c.SMSProvider)
	}

	return nil
}
