package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/api"
	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/circuitbreaker"
	"github.com/lalithlochan/burstnudge/internal/config"
	"github.com/lalithlochan/burstnudge/internal/db"
	"github.com/lalithlochan/burstnudge/internal/observ"
	"github.com/lalithlochan/burstnudge/internal/redis"
	"github.com/lalithlochan/burstnudge/internal/sns"
	"github.com/lalithlochan/burstnudge/internal/sqs"
	"github.com/lalithlochan/burstnudge/internal/worker"
)

// app holds the long-lived connections shared by the poll and run commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	database *db.DB
	store    *db.Store
	bridge   *bridge.Client

	redis   *redis.Client // nil when Redis is unreachable
	runLock *redis.RunLock
	limiter *redis.RateLimiter

	consumer *sqs.Consumer // nil when SQS_QUEUE_URL is unset
	producer *sqs.Producer

	breakers []*circuitbreaker.CircuitBreaker
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func newProducer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sqs.Producer, error) {
	if cfg.SQSQueueURL == "" {
		return nil, errors.New("SQS_QUEUE_URL is required")
	}
	client, err := sqs.NewAPI(ctx, cfg.SQSRegion)
	if err != nil {
		return nil, err
	}
	return sqs.NewProducer(client, sqsConfig(cfg), logger), nil
}

func sqsConfig(cfg *config.Config) sqs.Config {
	return sqs.Config{
		Region:            cfg.SQSRegion,
		QueueURL:          cfg.SQSQueueURL,
		VisibilityTimeout: int32(cfg.SQSVisibilityTimeout / time.Second),
	}
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger.Info("starting burstnudge",
		zap.String("env", cfg.Env),
		zap.String("sms_provider", cfg.SMSProvider),
		zap.Float64("per_user_rate", cfg.PerUserRateLimit),
	)

	a := &app{cfg: cfg, logger: logger}

	a.database, err = db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.store = db.NewStore(a.database, logger)

	a.bridge = bridge.NewClient(bridge.Config{
		BaseURL:      cfg.BridgeBaseURL,
		SessionToken: cfg.BridgeSessionToken,
		Timeout:      time.Duration(cfg.BridgeTimeout) * time.Second,
		PageSize:     cfg.BridgePageSize,
	}, logger)

	a.redis, err = redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, duplicate run guard and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		a.redis = nil
	} else {
		a.runLock = redis.NewRunLock(a.redis, cfg.RunLockTTL, logger)
		a.limiter = redis.NewRateLimiter(a.redis, logger, redis.RateLimitConfig{
			Limit:  10,
			Window: time.Minute,
		})
	}

	if cfg.SQSQueueURL != "" {
		client, err := sqs.NewAPI(ctx, cfg.SQSRegion)
		if err != nil {
			a.close()
			return nil, err
		}
		a.consumer = sqs.NewConsumer(client, sqsConfig(cfg), logger)
		a.producer = sqs.NewProducer(client, sqsConfig(cfg), logger)
	}

	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.database != nil {
		a.database.Close()
	}
	_ = a.logger.Sync()
}

// newSender builds the configured SMS transport. Remote providers are
// wrapped in a circuit breaker.
func (a *app) newSender(ctx context.Context) (worker.SMSSender, error) {
	var sender worker.SMSSender
	switch a.cfg.SMSProvider {
	case config.SMSProviderLog:
		return worker.NewLogSender(a.logger), nil
	case config.SMSProviderSNS:
		s, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: a.cfg.SNSRegion}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS sender: %w", err)
		}
		sender = s
	default:
		sender = worker.NewBridgeSender(a.bridge)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(a.cfg.SMSProvider), a.logger)
	a.breakers = append(a.breakers, breaker)

	return circuitbreaker.NewProtectedSender(sender, breaker, worker.IsParticipantFault, a.logger), nil
}

func (a *app) newRunner(ctx context.Context) (*worker.Runner, error) {
	sender, err := a.newSender(ctx)
	if err != nil {
		return nil, err
	}

	deps := worker.Deps{
		Directory:  a.bridge,
		Configs:    worker.NewConfigCache(a.store, a.cfg.ConfigCacheTTL, a.logger),
		Filter:     worker.NewEligibilityFilter(a.store),
		Evaluator:  worker.NewAdherenceEvaluator(a.logger),
		Dispatcher: worker.NewDispatcher(a.store, sender, a.cfg.SMSProvider, a.logger),
		WorkerLog:  a.store,
	}

	if a.cfg.RunTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   a.cfg.SNSRegion,
			TopicARN: a.cfg.RunTopicARN,
		}, a.logger)
		if err != nil {
			a.logger.Warn("run topic unavailable, run events disabled", zap.Error(err))
		} else {
			deps.Publisher = publisher
		}
	}

	return worker.NewRunner(deps, worker.RunnerConfig{
		PerUserRate:       a.cfg.PerUserRateLimit,
		ReportingInterval: a.cfg.ReportingInterval,
	}, a.logger), nil
}

func (a *app) adminServer() *http.Server {
	deps := api.HandlerDeps{
		Runs:     a.store,
		Breakers: a.breakers,
		Checks: map[string]api.HealthCheck{
			"database": a.database.Health,
		},
	}
	if a.producer != nil {
		deps.Queue = a.producer
	}
	if a.runLock != nil {
		deps.Status = a.runLock
	}
	if a.redis != nil {
		deps.Checks["redis"] = a.redis.Ping
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.AdminPort),
		Handler:      api.NewRouter(api.NewHandler(a.logger, deps), a.limiter, a.logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
