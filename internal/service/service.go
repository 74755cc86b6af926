package service

import (
	"context"
	"sync"
	"time"

	"spa_engine/internal/logger"
	"spa_engine/internal/models"
	"spa_engine/internal/repository"
	"spa_engine/internal/transport"
)

// Control submits commands and waits for their terminal result.
type Control interface {
	Submit(ctx context.Context, cmd models.Command) models.CommandResult
}

// Monitoring exposes read-only state.
type Monitoring interface {
	GetState(ctx context.Context) (models.StateView, error)
	Health() HealthInfo
}

// Automations is CRUD plus run-now over the ordered rule collection.
type Automations interface {
	List(ctx context.Context) ([]models.AutomationRule, error)
	Get(ctx context.Context, id string) (models.AutomationRule, error)
	Create(ctx context.Context, in RuleInput) (models.AutomationRule, error)
	Update(ctx context.Context, id string, in RuleInput) (models.AutomationRule, error)
	Delete(ctx context.Context, id string) error
	RunNow(ctx context.Context, id string) (models.CommandResult, error)
}

// History reads the tail of the history log.
type History interface {
	Tail(ctx context.Context, f LogFilter) ([]models.LogEntry, error)
}

// Events hands out push subscriptions.
type Events interface {
	Subscribe() *Subscription
}

// Service aggregates the surfaces the HTTP layer depends on.
type Service struct {
	Control
	Monitoring
	Automations
	History
	Events
}

// NewService exposes an engine's components through the service interfaces.
func NewService(e *Engine) *Service {
	return &Service{
		Control:     e.Dispatcher,
		Monitoring:  NewMonitoringService(e.Cache, e.Conn, e.version),
		Automations: e.Scheduler,
		History:     e.History,
		Events:      e.Events,
	}
}

// EngineConfig collects every component's settings.
type EngineConfig struct {
	Connection ConnectionConfig
	Refresh    StateCacheConfig
	Dispatch   DispatcherConfig
	Scheduler  SchedulerConfig

	EventBuffer    int
	Overflow       OverflowPolicy
	HistoryTailMax int
	JanitorEvery   time.Duration
	Version        string
}

// Engine owns the long-lived components and their lifecycle.
type Engine struct {
	Conn       *ConnectionManager
	Cache      *StateCache
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
	Events     *Broadcaster
	History    *HistoryService

	janitorEvery time.Duration
	version      string
	log          *logger.Logger
}

// NewEngine wires the components. Nothing runs until Run is called.
func NewEngine(cfg EngineConfig, tr transport.Transport, repos *repository.Repository, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	events := NewBroadcaster(cfg.EventBuffer, cfg.Overflow, log.Named("events"))
	history := NewHistoryService(repos.History, events, cfg.HistoryTailMax, log.Named("history"))
	conn := NewConnectionManager(cfg.Connection, tr, history, log.Named("connection"))
	cache := NewStateCache(cfg.Refresh, conn, repos.Snapshot, events, log.Named("state"))
	disp := NewDispatcher(cfg.Dispatch, conn, cache, history, log.Named("dispatch"))
	sched := NewScheduler(cfg.Scheduler, repos.Rules, disp, conn, history, log.Named("automation"))

	conn.OnChange(events.PublishConnection)
	conn.OnChange(cache.OnConnectionChange)
	conn.AddInterestProbe(func() bool { return events.Interested() > 0 })
	conn.AddInterestProbe(func() bool { return disp.Pending() > 0 })
	events.PublishConnection(conn.Status())

	return &Engine{
		Conn:         conn,
		Cache:        cache,
		Dispatcher:   disp,
		Scheduler:    sched,
		Events:       events,
		History:      history,
		janitorEvery: cfg.JanitorEvery,
		version:      cfg.Version,
		log:          log,
	}
}

// Run starts every loop and blocks until ctx is canceled. Shutdown stops the scheduler,
// refresh loop and dispatcher first, failing queued commands, and only then closes the
// device session.
func (e *Engine) Run(ctx context.Context) {
	e.Cache.Restore(ctx)
	_ = e.Scheduler.Load(ctx)

	connCtx, stopConn := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConn()
	go e.Conn.Run(connCtx)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		e.Cache.Run,
		e.Dispatcher.Run,
		e.Scheduler.Run,
		func(ctx context.Context) { e.History.RunJanitor(ctx, e.janitorEvery) },
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	e.Conn.EnsureConnected()
	e.log.Infow("engine_started")

	<-ctx.Done()
	e.log.Infow("engine_stopping")
	wg.Wait()

	stopConn()
	<-e.Conn.Done()
	e.Events.Close()
	e.log.Infow("engine_stopped")
}
