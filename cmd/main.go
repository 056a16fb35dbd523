package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-odometer/internal/alerts"
	"github.com/ukydev/fleet-odometer/internal/auth"
	"github.com/ukydev/fleet-odometer/internal/config"
	"github.com/ukydev/fleet-odometer/internal/db"
	"github.com/ukydev/fleet-odometer/internal/handlers"
	"github.com/ukydev/fleet-odometer/internal/maintenance"
	"github.com/ukydev/fleet-odometer/internal/metrics"
	"github.com/ukydev/fleet-odometer/internal/middleware"
	"github.com/ukydev/fleet-odometer/internal/odometer"
)

const shutdownTimeout = 15 * time.Second

// app is the assembled odometer service.
type app struct {
	cfg       *config.Config
	log       *log.Logger
	server    *http.Server
	scheduler *alerts.Scheduler
	closers   []func()
}

func newLogger(cfg *config.Config) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stdout)
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (db.Store, db.UserCollection, func(), error) {
	if cfg.Store == config.StoreMemory {
		users := db.NewMemoryUserCollection(cfg.SeedUsers...)
		logger.WithField("seed_users", len(cfg.SeedUsers)).Warn("Using in-memory store; data is lost on restart")
		return db.NewMemoryStore(), users, func() {}, nil
	}

	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, nil, nil, err
	}
	closeClient := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to disconnect from MongoDB")
		}
	}
	store := db.NewMongoStore(client, cfg.MongoDB)
	if err := store.EnsureIndexes(ctx); err != nil {
		closeClient()
		return nil, nil, nil, fmt.Errorf("ensure indexes: %w", err)
	}
	users := &db.MongoUserCollection{Collection: client.Database(cfg.MongoDB).Collection(db.UsersCollection)}
	logger.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")
	return store, users, closeClient, nil
}

func newNotifier(cfg *config.Config, logger *log.Logger) (alerts.Notifier, func(), error) {
	if cfg.MQTTBroker == "" {
		logger.Warn("MQTT_BROKER not set; alerts are only logged")
		return alerts.LogNotifier{Logger: logger}, func() {}, nil
	}
	notifier, err := alerts.NewMQTTNotifier(alerts.MQTTConfig{
		Broker:      cfg.MQTTBroker,
		ClientID:    cfg.MQTTClientID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTTopicPrefix,
		QoS:         1,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("broker", cfg.MQTTBroker).Info("Connected to MQTT broker")
	return notifier, notifier.Close, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	store, users, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("fleet", registry)

	ledger, err := odometer.NewEngine(odometer.Config{
		Store:            store,
		Authorizer:       auth.UserAuthorizer{Users: users},
		LockTimeout:      cfg.LockTimeout,
		SuspiciousJumpKM: cfg.SuspiciousJumpKM,
		SystemActor:      cfg.SystemActor,
		Logger:           logger.WithField("component", "odometer"),
		Metrics:          m,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	status, err := maintenance.NewEngine(maintenance.Config{
		Source:    ledger,
		DueSoonKM: cfg.DueSoonKM,
		OverdueKM: cfg.OverdueKM,
		Logger:    logger.WithField("component", "maintenance"),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closeNotifier)

	a.scheduler, err = alerts.NewScheduler(alerts.SchedulerConfig{
		Vehicles:           store,
		Status:             status,
		Documents:          store,
		Markers:            store,
		Notifier:           notifier,
		Recipients:         alerts.RoleRecipients{Users: users, Roles: cfg.AlertRoles, Extra: cfg.AlertRecipients},
		Channel:            alerts.ChannelHint(cfg.AlertChannel),
		Interval:           cfg.AlertInterval,
		Hour:               cfg.AlertHour,
		Cooldown:           cfg.AlertCooldown,
		DocumentExpiryDays: cfg.DocumentExpiryDays,
		SystemActor:        cfg.SystemActor,
		Logger:             logger.WithField("component", "alerts"),
		Metrics:            m,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	tokens, err := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; using the built-in development secret")
	}
	authn := middleware.NewAuthMiddleware(tokens, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	handlers.NewOdometerHandler(ledger, status, store, logger).Routes(mux, authn)
	mux.Handle("GET /api/me", authn.Authenticate(http.HandlerFunc(handlers.NewProfileHandler(users).GetProfile)))

	var handler http.Handler = mux
	if cfg.RateLimit > 0 {
		handler = middleware.NewRateLimitMiddleware().RateLimit(cfg.RateLimit, time.Minute)(handler)
	}
	handler = middleware.Logging(logger)(handler)

	a.server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return a, nil
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"scheduler": a.scheduler.State(),
	}
	if report := a.scheduler.LastReport(); report != nil {
		body["last_scan"] = report
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// run serves until ctx is cancelled, then stops the scheduler (letting an
// in-flight scan finish) before draining HTTP connections.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.server.Addr).Info("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutting down")
	case err := <-serveErr:
		runErr = err
	}

	a.scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("HTTP server shutdown failed")
	}
	return runErr
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start odometer service")
	}
	if err := a.run(ctx); err != nil {
		logger.WithError(err).Fatal("Odometer service stopped")
	}
	logger.Info("Odometer service stopped")
}
