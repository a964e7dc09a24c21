// Command trackingd runs the trip tracking service: live driver and customer
// sessions, the HTTP and websocket surface, and the backing stores.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/99minutos/trip-tracking/internal/api"
	"github.com/99minutos/trip-tracking/internal/api/handler"
	"github.com/99minutos/trip-tracking/internal/core/ports"
	"github.com/99minutos/trip-tracking/internal/core/service"
	amqpbroker "github.com/99minutos/trip-tracking/internal/infrastructure/broker/amqp"
	"github.com/99minutos/trip-tracking/internal/infrastructure/config"
	mongodb "github.com/99minutos/trip-tracking/internal/infrastructure/db/mongo"
	redisdb "github.com/99minutos/trip-tracking/internal/infrastructure/db/redis"
	"github.com/99minutos/trip-tracking/internal/infrastructure/location/simulator"
	"github.com/99minutos/trip-tracking/internal/infrastructure/location/wsdevice"
	"github.com/99minutos/trip-tracking/internal/infrastructure/notify"
	"github.com/99minutos/trip-tracking/internal/infrastructure/queue"
	"github.com/99minutos/trip-tracking/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "trackingd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "trackingd",
		Env:     cfg.Env,
	})

	// --- Stores ---
	mongoClient, db, err := mongodb.Connect(ctx, mongodb.Config{
		URI:         cfg.Mongo.URI,
		Database:    cfg.Mongo.Database,
		Timeout:     cfg.Mongo.Timeout,
		MaxPoolSize: cfg.Mongo.MaxPool,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("mongo disconnect")
		}
	}()

	updates := mongodb.NewUpdateRepository(db)
	if err := updates.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	rdb, err := redisdb.Connect(ctx, redisdb.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	checks := []handler.DependencyCheck{
		{Name: "mongodb", Check: func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- Broker ---
	var broker *amqpbroker.Conn
	if cfg.Transport == "amqp" || cfg.Notify.Sink == "amqp" {
		broker, err = amqpbroker.Dial(cfg.AMQP.URL, cfg.AMQP.ReconnectDelay, log, cfg.AMQP.Exchange, cfg.AMQP.NotifyExchange)
		if err != nil {
			return err
		}
		defer broker.Close()
		g.Go(func() error { return broker.Run(gctx) })

		checks = append(checks, handler.DependencyCheck{Name: "rabbitmq", Check: func(context.Context) error {
			if !broker.IsAlive() {
				return amqpbroker.ErrNotConnected
			}
			return nil
		}})
	}

	// --- Trip topic transport ---
	var (
		transport ports.Transport
		latest    ports.LatestUpdates = updates
	)
	switch cfg.Transport {
	case "amqp":
		transport = amqpbroker.NewTransport(broker, cfg.AMQP.Exchange, log)
	default:
		rt := redisdb.NewTransport(rdb, redisdb.NewDeduper(rdb, cfg.Redis.AckTTL), log)
		transport = rt
		latest = rt
	}

	// --- Notifications and archive ---
	var notifier ports.Notifier = notify.NewLogNotifier(log)
	if cfg.Notify.Sink == "amqp" {
		notifier = notify.NewAMQPNotifier(broker, cfg.AMQP.NotifyExchange, log)
	}
	dispatcher := queue.NewDispatcher(cfg.Notify.Workers, notifier, updates, log)
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcher.Start(dispatcherCtx)

	// --- Driver fixes ---
	var (
		platforms ports.PlatformProvider
		devices   handler.DeviceServer
	)
	switch cfg.Location {
	case "simulate":
		platforms = simulator.New(simulator.Config{
			SpeedKmh:          cfg.Simulator.SpeedKmh,
			Tick:              cfg.Simulator.Tick,
			StartOffsetMeters: cfg.Simulator.StartOffsetMeters,
			Dwell:             cfg.Simulator.Dwell,
		}, log)
	default:
		hub := wsdevice.NewHub(log)
		defer hub.Close()
		platforms = hub
		devices = hub
	}

	tracker := service.NewTracker(service.TrackerDeps{
		Platforms:  platforms,
		Transport:  transport,
		QueueStore: redisdb.NewQueueStore(rdb, cfg.Redis.QueueTTL),
		Notifier:   dispatcher,
		Recorder:   dispatcher,
		Latest:     latest,
		Archive:    updates,
	}, cfg.SessionConfig(), log)

	e := api.NewRouter(api.Deps{
		Tracking: tracker,
		History:  updates,
		Devices:  devices,
		Checks:   checks,
		Metrics:  prometheus.DefaultRegisterer,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   log,
	})

	g.Go(func() error {
		log.Info().
			Str("port", cfg.Port).
			Str("transport", cfg.Transport).
			Str("location", cfg.Location).
			Msg("trackingd listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdown(log, cfg.ShutdownTimeout, func(ctx context.Context) error { return e.Shutdown(ctx) }, "http server")
		shutdown(log, cfg.ShutdownTimeout, tracker.Shutdown, "tracking sessions")
		stopDispatcher()
		dispatcher.Wait()
		return nil
	})

	return g.Wait()
}

func shutdown(log zerolog.Logger, timeout time.Duration, fn func(context.Context) error, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Msgf("%s shutdown", what)
		return
	}
	log.Info().Msgf("%s stopped", what)
}
