// Command fulfillmentd runs the order fulfillment pipeline: the outbox relay,
// the saga handlers, and their circuit-broken payment and inventory steps.
//
// Configuration is taken from the environment:
//
//	DATABASE_URL    postgres DSN; when unset an in-memory store is used
//	AMQP_URL        rabbitmq URL; when unset terminal events are only logged
//	EVENTS_QUEUE    rabbitmq queue name (default "order-events")
//	POLL_INTERVAL   outbox poll interval (default 5s)
//	PAYMENT_LIMIT   amount above which the demo gateway declines (default 1000)
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fortressi/fulfillment"
	"github.com/fortressi/fulfillment/postgres"
	"github.com/fortressi/fulfillment/rabbitmq"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := buildStore(ctx, logger)
	if err != nil {
		logger.Fatal("store setup failed", zap.Error(err))
	}
	defer cleanup()

	coord := fulfillment.NewCoordinator(store, nil, nil, logger)

	paymentBreaker := fulfillment.NewBreaker("payment", fulfillment.BreakerConfig{
		CallTimeout: 5 * time.Second,
	}, logger)
	inventoryBreaker := fulfillment.NewBreaker("inventory", fulfillment.BreakerConfig{
		CallTimeout: 5 * time.Second,
	}, logger)

	gateway := fulfillment.CeilingGateway(envDecimal("PAYMENT_LIMIT", decimal.NewFromInt(1000)))
	payments := fulfillment.NewPaymentProcessor(gateway, paymentBreaker, logger)
	reserver := fulfillment.NewStockReserver(store, inventoryBreaker, nil, logger)
	comp := fulfillment.NewCompensator(store, payments, coord, logger)

	notifier, closeNotifier, err := buildNotifier(logger)
	if err != nil {
		logger.Fatal("notifier setup failed", zap.Error(err))
	}
	defer closeNotifier()

	saga := fulfillment.NewOrderSaga(coord, payments, reserver, comp, notifier, logger)
	registry := fulfillment.NewHandlerRegistry()
	if err := saga.Register(registry); err != nil {
		logger.Fatal("handler registration failed", zap.Error(err))
	}

	relay := fulfillment.NewRelay(store, registry,
		fulfillment.WithPollInterval(envDuration("POLL_INTERVAL", 5*time.Second)),
		fulfillment.WithRelayLogger(logger),
	)
	if err := relay.Start(ctx); err != nil {
		logger.Fatal("relay start failed", zap.Error(err))
	}

	logger.Info("fulfillmentd running")
	<-ctx.Done()

	logger.Info("shutting down")
	relay.Stop()
}

// buildStore connects to postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func buildStore(ctx context.Context, logger *zap.Logger) (fulfillment.Store, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Info("using in-memory store")
		return fulfillment.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("using postgres store")
	return postgres.NewStore(pool), pool.Close, nil
}

// buildNotifier returns the rabbitmq publisher when AMQP_URL is set. A nil
// notifier means terminal events are logged only.
func buildNotifier(logger *zap.Logger) (fulfillment.Handler, func(), error) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		return nil, func() {}, nil
	}

	queue := os.Getenv("EVENTS_QUEUE")
	if queue == "" {
		queue = "order-events"
	}
	publisher, err := rabbitmq.NewPublisher(url, queue, logger)
	if err != nil {
		return nil, nil, err
	}
	return publisher, publisher.Close, nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}
