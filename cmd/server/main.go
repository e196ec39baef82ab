package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rating"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// candidate lookups go through redis when configured, otherwise the
	// matcher scans the store directly
	var source matcher.Source
	var index availability.Indexer
	if cfg.RedisAddr != "" {
		ri := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		if err := ri.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err.Error())
		}
		source = ri
		index = ri
	} else {
		source = geo.NewStoreSource(store)
	}

	reg := notify.NewRegistry()
	sinks := notify.Multi{reg, notify.NewLogNotifier(logger)}
	if cfg.WebhookEndpoint != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.WebhookEndpoint, cfg.WebhookKey))
	}

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	avail := &availability.Service{Store: store, Index: index, Log: logger}
	match := &matcher.Service{
		Store:       store,
		Source:      source,
		Notify:      sinks,
		Avail:       avail,
		Log:         logger,
		RadiusKm:    cfg.RadiusKm,
		MaxAttempts: cfg.MaxAttempts,
	}
	life := &lifecycle.Service{Store: store, Notify: sinks, Avail: avail, Log: logger}
	rate := &rating.Service{Store: store, Notify: sinks, Log: logger}

	api := httpapi.NewServer(logger, httpapi.Deps{
		Store:     store,
		Avail:     avail,
		Matcher:   match,
		Lifecycle: life,
		Rating:    rate,
		Registry:  reg,
		Ingest:    producer,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown", "error", err.Error())
	}
	if producer != nil {
		_ = producer.Close()
	}
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}

func openStore(cfg config.ServerConfig) (storage.Store, error) {
	switch {
	case cfg.PGDSN != "":
		return storage.NewPostgresStore(cfg.PGDSN)
	case cfg.SQLitePath != "":
		return storage.NewSQLiteStore(cfg.SQLitePath)
	default:
		return storage.NewMemoryStore(), nil
	}
}
