package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sensor-service/internal/config"
	"sensor-service/internal/events"
	"sensor-service/internal/httpapi"
	"sensor-service/internal/ingest"
	"sensor-service/internal/middleware"
	"sensor-service/internal/mqtt"
	"sensor-service/internal/observability"
	"sensor-service/internal/ratelimit"
	"sensor-service/internal/realtime"
	"sensor-service/internal/retention"
	"sensor-service/internal/store"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const serviceName = "sensor-service"

func main() {
	setupLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	shutdownObs, promHandler, tracer := observability.SetupObservability(serviceName)
	defer shutdownObs()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := realtime.NewHub(cfg.HTTP.AllowedOrigins)
	notifiers := []ingest.Notifier{hub}

	if strings.TrimSpace(cfg.Kafka.Brokers) != "" {
		pub, err := events.New(events.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			slog.Error("kafka publisher setup failed", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
		slog.Info("kafka publishing enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	ing := &ingest.Ingestor{
		Repo:           repo,
		Notifiers:      notifiers,
		AllowRetains:   cfg.MQTT.IngestRetained,
		MessageTimeout: cfg.MQTT.MessageTimeout,
	}

	if strings.TrimSpace(cfg.MQTT.BrokerURL) != "" {
		mq, err := mqtt.Connect(mqtt.Options{BrokerURL: cfg.MQTT.BrokerURL, ClientID: cfg.MQTT.ClientID})
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Close()
		if err := mq.Subscribe(cfg.MQTT.Topic, byte(cfg.MQTT.QoS), func(m mqtt.Message) {
			ing.HandleMessage(ctx, m)
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", cfg.MQTT.Topic, "error", err)
			os.Exit(1)
		}
		slog.Info("sensor ingest subscribed", "topic", cfg.MQTT.Topic)
	} else {
		slog.Info("mqtt disabled; HTTP ingestion only")
	}

	job := retention.New(repo, cfg.Retention.MaxAge, cfg.Retention.Schedule)
	if err := job.Start(ctx); err != nil {
		slog.Error("retention setup failed", "error", err)
		os.Exit(1)
	}
	defer job.Stop()

	var limiter *ratelimit.RateLimiter
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if pong, err := rdb.Ping(ctx).Result(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
		} else {
			slog.Info("connected to redis", "pong", pong)
		}
		limiter = ratelimit.New(rdb, serviceName, ratelimit.LimiterConfig{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
	}

	var pubKey *rsa.PublicKey
	if path := strings.TrimSpace(cfg.Auth.JWTPublicKeyPath); path != "" {
		pubKey, err = middleware.LoadRSAPublicKey(path)
		if err != nil {
			slog.Error("failed to load JWT public key", "path", path, "error", err)
			os.Exit(1)
		}
	}

	srv := httpapi.New(repo, ing, httpapi.Options{
		Realtime:       hub,
		Metrics:        promHandler,
		Limiter:        limiter,
		AuthKey:        pubKey,
		Tracer:         tracer,
		ServiceName:    serviceName,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("sensor-service listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.Database.Driver == "sqlite" {
		return store.OpenSQLite(cfg.Database.SQLitePath)
	}
	pg := cfg.Postgres
	return store.OpenPostgres(pg.User, pg.Password, pg.DBName, pg.Host, pg.Port, pg.SSLMode)
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}
