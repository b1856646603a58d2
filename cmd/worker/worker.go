package main

import (
	"context"
	"time"

	"github.com/septivank/gas-metering-client/internal/anomaly"
	"github.com/septivank/gas-metering-client/internal/auth"
	"github.com/septivank/gas-metering-client/internal/config"
	"github.com/septivank/gas-metering-client/internal/db"
	"github.com/septivank/gas-metering-client/internal/gasapi"
	"github.com/septivank/gas-metering-client/internal/mq"
	"github.com/septivank/gas-metering-client/internal/repository"
	"github.com/septivank/gas-metering-client/internal/service"
	"github.com/septivank/gas-metering-client/internal/transport"
	"github.com/septivank/gas-metering-client/internal/usage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startWorker restores the persisted credential, starts the poll loop and
// wires the command queue consumer.
func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	poller *service.Poller,
) (*mq.Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.CommandQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.CommandExchange,
		RoutingKey:    cfg.RabbitMQ.CommandRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       poller.HandleCommand,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := poller.RestoreCredential(startCtx); err != nil {
				return err
			}
			logger.Info("starting poll loop and command consumer",
				zap.String("queue", cfg.RabbitMQ.CommandQueue),
				zap.Duration("interval", cfg.PollInterval()))
			go poller.Run(ctx)
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideAggregator creates a new usage aggregator instance
func ProvideAggregator(detector *anomaly.Detector, logger *zap.Logger) *usage.Aggregator {
	return usage.NewAggregator(detector, logger)
}

// ProvideTransport creates the HTTP transport for the metering API
func ProvideTransport(cfg *config.Config, logger *zap.Logger) (*transport.Client, error) {
	return transport.NewClient(transport.Options{
		BaseURL: cfg.API.BaseURL,
		Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		Retry: transport.RetryPolicy{
			MaxAttempts: cfg.API.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.API.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.API.RetryMaxDelayMs) * time.Millisecond,
			Jitter:      50 * time.Millisecond,
		},
		Logger: logger,
	})
}

// ProvideAPIClient creates the raw wire client
func ProvideAPIClient(tr *transport.Client, logger *zap.Logger) *gasapi.Client {
	return gasapi.NewClient(tr, logger)
}

// ProvideSession creates the authentication session
func ProvideSession(api *gasapi.Client, cfg *config.Config, logger *zap.Logger) (*auth.Session, error) {
	return auth.NewSession(auth.SessionConfig{
		API:        api,
		UserCode:   cfg.Account.UserCode,
		RegionCode: cfg.Account.RegionCode,
		QRTTL:      cfg.QRTTL(),
		Logger:     logger,
	})
}

// ProvideAccountClient creates the authenticated API facade
func ProvideAccountClient(api *gasapi.Client, session *auth.Session, agg *usage.Aggregator, logger *zap.Logger) *gasapi.AccountClient {
	return gasapi.NewAccountClient(api, session, agg, logger)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}

// ProvidePoller creates the poll service
func ProvidePoller(
	client *gasapi.AccountClient,
	agg *usage.Aggregator,
	repo *repository.Repository,
	publisher *mq.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *service.Poller {
	return service.NewPoller(client, agg, repo, publisher, cfg, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
