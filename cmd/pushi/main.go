package main

import (
	"context"
	"database/sql"

	"pushi/internal/adapters"
	"pushi/internal/broker"
	"pushi/internal/handlers"
	"pushi/internal/metrics"
	"pushi/internal/repository"
	"pushi/internal/ws"
	"pushi/pkg/config"
	"pushi/pkg/database"
	"pushi/pkg/logging"
	"pushi/pkg/monitoring"
	"pushi/pkg/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logging.NewLoggerWithService("pushi")
	config.LoadEnv(logger)

	limits, err := config.LoadLimits()
	if err != nil {
		logger.WithError(err).Fatal("Invalid limit configuration")
	}
	jwtSecret := config.RequireEnv("JWT_SECRET")

	var repo repository.Repository
	var db *sql.DB
	if config.GetEnv("PUSHI_STORE", "postgres") == "memory" {
		logger.Info("Using in-memory store")
		repo = repository.NewMemory()
	} else {
		dbCfg := database.DefaultConfig()
		dbCfg.URL = config.RequireEnv("DATABASE_URL")
		db, err = database.Connect(dbCfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
		repo = repository.NewPostgres(db, logger)
	}

	collector := monitoring.NewMetricsCollector("pushi", version, commit)
	brokerMetrics := metrics.New(collector)

	b := broker.New(repo, logger, brokerMetrics)

	apn := adapters.NewAPN(repo, b, logger)
	webhook := adapters.NewWebhook(repo, b, logger)
	email := adapters.NewEmail(repo, b, logger)
	webpush := adapters.NewWebPush(repo, b, logger)

	ctx := context.Background()
	loaders := []interface {
		Name() string
		Load(context.Context) error
	}{apn, webhook, email, webpush}
	for _, a := range loaders {
		if err := a.Load(ctx); err != nil {
			logger.WithError(err).WithField("adapter", a.Name()).Fatal("Failed to load adapter subscriptions")
		}
	}
	b.AttachAdapters(apn, webhook, email, webpush)

	if err := b.Load(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to load broker state")
	}

	health := monitoring.NewHealthChecker("pushi", version)
	if db != nil {
		health.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	}
	health.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"JWT_SECRET": jwtSecret,
	}))

	api := handlers.New(repo, b, []handlers.Adapter{apn, webhook, email, webpush},
		health, collector, []byte(jwtSecret), logger)

	manager := ws.NewManager(b, limits, logger, brokerMetrics)
	wsRouter := server.SetupRouter(logger, "pushi")
	wsRouter.GET("/:app_key", manager.ServeWS)

	appCfg := server.DefaultConfig("pushi", "APP", "8080")
	appSrv := server.Start(appCfg, api.Router(), logger)

	// WebSocket sessions are long-lived; the per-frame deadlines live in
	// the connection layer.
	wsCfg := server.DefaultConfig("pushi-ws", "SERVER", "8081")
	wsCfg.ReadTimeout = 0
	wsCfg.WriteTimeout = 0
	wsSrv := server.Start(wsCfg, wsRouter, logger)

	if err := server.WaitForShutdown(logger, appSrv, wsSrv); err != nil {
		logger.WithError(err).Error("Shutdown failed")
	}
}
