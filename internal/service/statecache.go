package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"spa_engine/internal/logger"
	"spa_engine/internal/metrics"
	"spa_engine/internal/models"
	"spa_engine/internal/repository"
	"spa_engine/internal/transport"
)

// sessionProvider is the part of ConnectionManager that readers and writers depend on.
type sessionProvider interface {
	Status() models.ConnectionStatus
	Session() transport.Session
	ReportFault(sess transport.Session, err error)
	MarkContact()
	EnsureConnected()
}

// StateCacheConfig tunes the refresh loop.
type StateCacheConfig struct {
	Interval               time.Duration
	ReadTimeout            time.Duration
	DecodeFailureThreshold int
	StateLogInterval       time.Duration // 0 disables the periodic summary line
}

func (c StateCacheConfig) withDefaults() StateCacheConfig {
	if c.Interval <= 0 {
		c.Interval = 1500 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.DecodeFailureThreshold < 1 {
		c.DecodeFailureThreshold = 3
	}
	return c
}

type published struct {
	snap *models.DeviceSnapshot
	at   time.Time
}

// StateCache is the single reader of the device. Snapshots are published as immutable
// values; readers always see one complete decode.
type StateCache struct {
	cfg    StateCacheConfig
	conn   sessionProvider
	repo   repository.SnapshotRepo
	events Publisher
	log    *logger.Logger

	current atomic.Pointer[published]
	kick    chan struct{}

	failures int // refresh goroutine only

	decode  func([]byte) (models.DeviceSnapshot, error)
	nowFunc func() time.Time
}

// NewStateCache wires a cache. repo and events may be nil.
func NewStateCache(cfg StateCacheConfig, conn sessionProvider, repo repository.SnapshotRepo, events Publisher, log *logger.Logger) *StateCache {
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &StateCache{
		cfg:     cfg.withDefaults(),
		conn:    conn,
		repo:    repo,
		events:  events,
		log:     log,
		kick:    make(chan struct{}, 1),
		decode:  transport.Decode,
		nowFunc: time.Now,
	}
}

// Snapshot returns the latest published snapshot, nil before the first successful read.
func (c *StateCache) Snapshot() *models.DeviceSnapshot {
	if p := c.current.Load(); p != nil {
		return p.snap
	}
	return nil
}

// View answers a snapshot query and counts as interest in the device.
func (c *StateCache) View() models.StateView {
	c.conn.EnsureConnected()
	v := models.StateView{Connection: c.conn.Status()}
	if p := c.current.Load(); p != nil {
		v.Snapshot = p.snap
		at := p.at
		v.LastUpdated = &at
	}
	return v
}

// Kick requests an immediate refresh. It never blocks.
func (c *StateCache) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// OnConnectionChange is registered as a ConnectionListener.
func (c *StateCache) OnConnectionChange(st models.ConnectionStatus) {
	if st.Connected() {
		c.Kick()
	}
}

// Restore seeds the cache with the persisted snapshot, if any.
func (c *StateCache) Restore(ctx context.Context) {
	if c.repo == nil {
		return
	}
	snap, at, err := c.repo.Load(ctx)
	if err != nil {
		c.log.Warnw("snapshot_restore_failed", "err", err)
		return
	}
	if snap == nil {
		return
	}
	c.current.Store(&published{snap: snap, at: at})
	c.events.Publish(models.Event{Type: models.EventStateUpdate, At: at, Payload: snap})
	c.log.Infow("snapshot_restored", "saved_at", at)
}

// Run refreshes on every interval tick and on every kick until ctx is canceled.
func (c *StateCache) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()

	var summaryC <-chan time.Time
	if c.cfg.StateLogInterval > 0 {
		s := time.NewTicker(c.cfg.StateLogInterval)
		defer s.Stop()
		summaryC = s.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.refresh(ctx)
		case <-c.kick:
			c.refresh(ctx)
		case <-summaryC:
			c.logSummary()
		}
	}
}

func (c *StateCache) refresh(ctx context.Context) {
	if !c.conn.Status().Connected() {
		return
	}
	sess := c.conn.Session()
	if sess == nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	raw, err := sess.Read(rctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.IncRefresh(metrics.RefreshRead)
		if errors.Is(err, transport.ErrSessionClosed) {
			c.failures = 0
			c.conn.ReportFault(sess, err)
			return
		}
		c.noteFailure(sess, fmt.Errorf("read state: %w", err))
		return
	}

	snap, err := c.decode(raw)
	if err != nil {
		metrics.IncRefresh(metrics.RefreshDecode)
		c.noteFailure(sess, err)
		return
	}
	c.failures = 0
	c.conn.MarkContact()
	c.publish(ctx, snap)
}

// noteFailure counts a bad cycle and escalates to a connection fault at the threshold.
func (c *StateCache) noteFailure(sess transport.Session, err error) {
	c.failures++
	c.log.Warnw("state_refresh_failed", "consecutive", c.failures, "threshold", c.cfg.DecodeFailureThreshold, "err", err)
	if c.failures < c.cfg.DecodeFailureThreshold {
		return
	}
	c.failures = 0
	c.conn.ReportFault(sess, fmt.Errorf("%d consecutive bad state reads: %w", c.cfg.DecodeFailureThreshold, err))
}

func (c *StateCache) publish(ctx context.Context, snap models.DeviceSnapshot) {
	prev := c.current.Load()
	if prev != nil && prev.snap.Equal(&snap) {
		metrics.IncRefresh(metrics.RefreshUnchanged)
		return
	}
	now := c.nowFunc()
	s := &snap
	c.current.Store(&published{snap: s, at: now})
	metrics.IncRefresh(metrics.RefreshChanged)
	c.events.Publish(models.Event{Type: models.EventStateUpdate, At: now, Payload: s})

	if c.repo == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.repo.Save(sctx, snap, now); err != nil {
		c.log.Warnw("snapshot_persist_failed", "err", err)
	}
}

func (c *StateCache) logSummary() {
	st := c.conn.Status()
	snap := c.Snapshot()
	if snap == nil {
		c.log.Infow("state_summary", "connection", st.State, "snapshot", false)
		return
	}
	c.log.Infow("state_summary",
		"connection", st.State,
		"current_f", derefFloat(snap.Temperature.CurrentF),
		"setpoint_f", derefFloat(snap.Temperature.SetpointF),
		"heater", snap.Heater.On,
		"pumps_on", countOn(snap.Actuators),
		"lights", snap.Lights.On,
		"faults", len(snap.Faults),
	)
}

func derefFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func countOn(as []models.Actuator) int {
	n := 0
	for _, a := range as {
		if a.State == models.ActuatorOn {
			n++
		}
	}
	return n
}
