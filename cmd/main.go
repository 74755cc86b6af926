package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spa_engine/docs"
	"spa_engine/internal/config"
	"spa_engine/internal/handlers"
	"spa_engine/internal/logger"
	"spa_engine/internal/metrics"
	"spa_engine/internal/mqtt"
	"spa_engine/internal/repository"
	"spa_engine/internal/repository/db"
	"spa_engine/internal/server"
	"spa_engine/internal/service"
	"spa_engine/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// load configs/config.yml + SPA_* env
	cfg, err := config.Load(os.Getenv("SPA_CONFIG"))
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	// open DB
	sqlDB, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		log.Fatalw("failed to init sqlite", "path", cfg.DB.Path, "err", err)
	}
	defer closeDB(sqlDB, log)

	history, err := repository.NewHistoryFile(cfg.History.Dir, cfg.History.RetentionDays)
	if err != nil {
		log.Fatalw("failed to open history dir", "dir", cfg.History.Dir, "err", err)
	}
	defer func() {
		if cerr := history.Close(); cerr != nil {
			log.Warnw("failed to close history files", "err", cerr)
		}
	}()

	engCfg, err := engineConfig(cfg)
	if err != nil {
		log.Fatalw("invalid config", "err", err)
	}

	// wire dependencies
	metrics.Init(nil)
	repos := repository.NewRepository(sqlDB, history)
	engine := service.NewEngine(engCfg, newSimulator(cfg), repos, log.Named("engine"))
	services := service.NewService(engine)
	apiHandler := handlers.NewHandler(services, log.Named("http"))
	docs.SwaggerInfo.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()

	mirror := startMirror(ctx, cfg.MQTT, engine.Events, log)

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(srv, cfg.Port, apiHandler, log)
	log.Infow("service_started", "port", cfg.Port, "version", version, "transport", cfg.Device.Transport)

	<-ctx.Done()
	waitForShutdown(srv, engineDone, mirror, log)
}

// engineConfig maps the flat file/env configuration onto the engine's component settings.
func engineConfig(cfg *config.Config) (service.EngineConfig, error) {
	loc, err := cfg.Location()
	if err != nil {
		return service.EngineConfig{}, err
	}
	overflow, _ := service.ParseOverflowPolicy(cfg.Events.Overflow)

	return service.EngineConfig{
		Connection: service.ConnectionConfig{
			Address:        cfg.Device.Address,
			HardwareID:     cfg.Device.HardwareID,
			ConnectTimeout: cfg.Device.ConnectTimeout,
			BackoffBase:    cfg.Device.BackoffBase,
			BackoffMax:     cfg.Device.BackoffMax,
			IdleRelease:    cfg.Device.IdleRelease,
		},
		Refresh: service.StateCacheConfig{
			Interval:               cfg.Refresh.Interval,
			ReadTimeout:            cfg.Device.ReadTimeout,
			DecodeFailureThreshold: cfg.Refresh.DecodeFailureThreshold,
			StateLogInterval:       cfg.Refresh.StateLogInterval,
		},
		Dispatch: service.DispatcherConfig{
			MaxSetpointF: cfg.Control.MaxSetpointF,
			MinInterval:  cfg.Control.MinInterval,
			WriteTimeout: cfg.Device.WriteTimeout,
			QueueSize:    cfg.Control.QueueSize,
		},
		Scheduler: service.SchedulerConfig{
			Tick:     cfg.Automation.Tick,
			Warmup:   cfg.Automation.Warmup,
			Grace:    cfg.Automation.Grace,
			Location: loc,
		},
		EventBuffer:    cfg.Events.Buffer,
		Overflow:       overflow,
		HistoryTailMax: cfg.History.TailMax,
		JanitorEvery:   cfg.History.PruneEvery,
		Version:        version,
	}, nil
}

func newSimulator(cfg *config.Config) *transport.Simulator {
	return transport.NewSimulator(transport.SimulatorConfig{
		Address:    cfg.Device.Address,
		HardwareID: cfg.Device.HardwareID,
		Units:      cfg.Simulator.Units,
		WaterF:     cfg.Simulator.WaterF,
		SetpointF:  cfg.Simulator.SetpointF,
		Pumps:      cfg.Simulator.Pumps,
		Lights:     cfg.Simulator.Lights,
	})
}

type runningMirror struct {
	client *mqtt.Client
	done   chan struct{}
}

// startMirror connects to the broker when enabled. A broker that cannot be reached at
// startup disables the mirror; the engine keeps running without it.
func startMirror(ctx context.Context, cfg config.MQTTConfig, events *service.Broadcaster, log *logger.Logger) *runningMirror {
	if !cfg.Enabled {
		return nil
	}
	mlog := log.Named("mqtt")
	client, err := mqtt.Connect(cfg, mlog)
	if err != nil {
		mlog.Errorw("mqtt_disabled", "broker", cfg.Broker, "err", err)
		return nil
	}
	m := &runningMirror{client: client, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		mqtt.NewMirror(events, client, client.Topics(), mlog).Run(ctx)
	}()
	return m
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown stops accepting requests, waits for the engine to release the device and
// then says goodbye to the broker.
func waitForShutdown(srv *server.Server, engineDone <-chan struct{}, mirror *runningMirror, log *logger.Logger) {
	log.Infow("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// the engine closes the broadcaster, which ends /ws and /events streams
	select {
	case <-engineDone:
	case <-ctx.Done():
		log.Warnw("engine did not stop in time")
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}

	if mirror != nil {
		select {
		case <-mirror.done:
		case <-ctx.Done():
		}
		mirror.client.Close()
	}
	log.Infow("service_stopped")
}

func closeDB(sqlDB *sql.DB, log *logger.Logger) {
	if err := sqlDB.Close(); err != nil {
		log.Errorw("failed to close sqlite", "err", err)
	}
}
