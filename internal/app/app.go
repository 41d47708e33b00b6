package app

import (
	"context"
	"database/sql"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "chargepilot/libs/db"
	libredis "chargepilot/libs/redis"

	"chargepilot/internal/config"
	"chargepilot/internal/device"
	httpserver "chargepilot/internal/http"
	"chargepilot/internal/http/handlers"
	"chargepilot/internal/http/middleware"
	"chargepilot/internal/metrics"
	"chargepilot/internal/notify"
	"chargepilot/internal/payment"
	"chargepilot/internal/redisstore"
	"chargepilot/internal/registry"
	"chargepilot/internal/repository"
	"chargepilot/internal/service"
	"chargepilot/internal/simulator"
	"chargepilot/internal/telemetry"
)

// App wires chargepilot dependencies.
type App struct {
	server      *httpserver.Server
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  paho.Client
	sim         *simulator.Simulator
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := libdb.NewPostgresDB(cfg.Database.DSN, libdb.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	// Redis is optional: without it the engine simply runs without the
	// active-session soft cache.
	var redisClient *redis.Client
	var cache service.SessionCache
	if cfg.Redis.Addr != "" {
		redisClient, err = libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			sqlDB.Close()
			return nil, err
		}
		cache = redisstore.NewStore(redisClient, cfg.ActiveSessionTTL())
	}

	var mqttClient paho.Client
	if cfg.MQTT.Broker != "" {
		mqttClient, err = telemetry.NewMQTTClient(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password)
		if err != nil {
			logger.Warn("mqtt broker unavailable, telemetry broadcast disabled", zap.Error(err))
			mqttClient = nil
		}
	}

	txRepo := repository.NewTransactionRepository(sqlDB)
	stationRepo := repository.NewStationRepository(sqlDB)

	publisher := telemetry.NewPublisher(mqttClient, cfg.MQTT.TopicPrefix, logger)
	sim := simulator.New(txRepo, publisher, cfg.SimulatorInterval(), cfg.Simulator.TickEnergyKWh, logger)

	promRegistry := prometheus.NewRegistry()
	engineMetrics := metrics.New(promRegistry, func() float64 {
		return float64(sim.ActiveCount())
	})

	gateway := device.NewGateway(cfg.DeviceCommandTimeout(), logger)
	payments := payment.NewClient(cfg.Payments.BaseURL, cfg.Payments.APIKey, logger)
	receipts := notify.NewClient(cfg.Notifier.BaseURL, logger)
	reg := registry.New(stationRepo, txRepo, logger)

	engine := service.NewEngine(service.Deps{
		Transactions: txRepo,
		Stations:     stationRepo,
		Payments:     payments,
		Devices:      gateway,
		Simulator:    sim,
		Receipts:     receipts,
		Cache:        cache,
		Metrics:      engineMetrics,
		Currency:     cfg.Payments.Currency,
	}, logger)

	sessionsHandler := handlers.NewSessionsHandler(engine, logger)
	paymentsHandler := handlers.NewPaymentsHandler(engine, logger)
	stationsHandler := handlers.NewStationsHandler(engine, reg, logger)
	telemetryWS := handlers.NewTelemetryWSHandler(publisher, logger)

	routes := httpserver.Routes{
		Prepay:       paymentsHandler.Prepay,
		SessionStart: sessionsHandler.Start,
		SessionStop:  sessionsHandler.Stop,
		LiveEnergy:   stationsHandler.LiveEnergy,
		StationView:  stationsHandler.View,
		DeviceWS:     gateway.HandleWS,
		TelemetryWS:  telemetryWS.Handle,
		Health:       handlers.NewHealthHandler(),
		Metrics:      promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Auth:         middleware.AuthMiddleware(cfg.Auth.JWTSecret),
	}

	router := httpserver.NewRouter(routes)
	server := httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return &App{
		server:      server,
		db:          sqlDB,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		sim:         sim,
		logger:      logger,
	}, nil
}

// Run starts the HTTP server.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	a.sim.Close()
	if a.mqttClient != nil {
		a.mqttClient.Disconnect(250)
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
}
