package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"workboard/api/internal/app"
	"workboard/api/internal/config"
	"workboard/api/internal/coordinator"
	"workboard/api/internal/issueid"
	"workboard/api/internal/revalidate"
	"workboard/api/internal/rooms"
	"workboard/api/internal/scope"
	"workboard/api/internal/search"
	"workboard/api/internal/session"
	"workboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	if err := os.MkdirAll(cfg.RoomsDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create rooms dir")
	}

	dataStore := store.NewPostgresStore(db)
	roomService := rooms.New(cfg.RoomsDir)
	policy := scope.ParsePolicy(cfg.ScopePrecedence, cfg.ScopeAmbiguity, cfg.ConcealDenied)
	resolver := scope.NewResolver(dataStore, issueid.NewCodec(cfg.DocumentKeyNamespace), policy)

	hub := revalidate.NewHub()
	var publisher revalidate.Publisher = hub
	var revocations session.Revocations = session.NewMemoryRevocations()
	if client := connectRedis(ctx, cfg.RedisURL, log); client != nil {
		defer client.Close()
		bus := revalidate.NewRedisBus(client, cfg.RevalidateChannel)
		publisher = bus
		revocations = session.NewRedisRevocations(client)
		go bus.Forward(ctx, log.WithField("component", "revalidate"), hub.Notify)
		log.Info("using Redis for revalidation and token revocation")
	} else {
		log.Warn("Redis unavailable, revalidation and revocations are local to this instance")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)

	issues := coordinator.New(dataStore, roomService, resolver, publisher, searchService, log)
	service := app.New(cfg, dataStore, resolver, issues, roomService, searchService, hub, revocations, log)
	if err := service.Bootstrap(ctx); err != nil {
		log.WithError(err).Warn("bootstrap error (will retry on next restart)")
	}
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("Workboard API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}

// connectRedis returns nil when Redis is not configured or not reachable.
func connectRedis(ctx context.Context, url string, log logrus.FieldLogger) *redis.Client {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.WithError(err).Warn("invalid REDIS_URL")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis ping failed")
		_ = client.Close()
		return nil
	}
	return client
}
