package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"spa_engine/internal/logger"
	"spa_engine/internal/metrics"
	"spa_engine/internal/models"
	"spa_engine/internal/transport"
)

// connEvent drives the connection state machine.
type connEvent int

const (
	evConnectStart connEvent = iota
	evConnected
	evFailed
	evFault
	evIdle
	evShutdown
)

func (e connEvent) String() string {
	switch e {
	case evConnectStart:
		return "connect_start"
	case evConnected:
		return "connected"
	case evFailed:
		return "connect_failed"
	case evFault:
		return "fault"
	case evIdle:
		return "idle_release"
	case evShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// nextState is the transition table. Pairs that are not listed leave the state unchanged
// and report false.
func nextState(cur models.ConnectionState, ev connEvent) (models.ConnectionState, bool) {
	switch cur {
	case models.StateDisconnected:
		if ev == evConnectStart {
			return models.StateConnecting, true
		}
	case models.StateConnecting:
		switch ev {
		case evConnected:
			return models.StateConnected, true
		case evFailed:
			return models.StateError, true
		case evShutdown:
			return models.StateDisconnected, true
		}
	case models.StateConnected:
		switch ev {
		case evFault:
			return models.StateError, true
		case evIdle, evShutdown:
			return models.StateDisconnected, true
		}
	case models.StateError:
		switch ev {
		case evConnectStart:
			return models.StateConnecting, true
		case evIdle, evShutdown:
			return models.StateDisconnected, true
		}
	}
	return cur, false
}

// ConnectionConfig tunes discovery, reconnect backoff and idle release.
type ConnectionConfig struct {
	Address        string
	HardwareID     string
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	IdleRelease    time.Duration // 0 keeps the session open forever
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 30 * time.Second
		if c.BackoffMax < c.BackoffBase {
			c.BackoffMax = c.BackoffBase
		}
	}
	return c
}

// ConnectionListener observes every transition. Listeners run on the manager goroutine and
// must not block.
type ConnectionListener func(models.ConnectionStatus)

type fault struct {
	sess transport.Session
	err  error
}

// ConnectionManager owns the single device session and its lifecycle.
type ConnectionManager struct {
	cfg     ConnectionConfig
	tr      transport.Transport
	log     *logger.Logger
	history Recorder

	status atomic.Pointer[models.ConnectionStatus]

	sessMu sync.RWMutex
	sess   transport.Session

	wake   chan struct{}
	faults chan fault

	lastInterest atomic.Int64

	mu        sync.Mutex
	listeners []ConnectionListener
	probes    []func() bool

	nowFunc func() time.Time
	done    chan struct{}
}

// NewConnectionManager returns a manager in DISCONNECTED. history may be nil.
func NewConnectionManager(cfg ConnectionConfig, tr transport.Transport, history Recorder, log *logger.Logger) *ConnectionManager {
	if history == nil {
		history = nopRecorder{}
	}
	if log == nil {
		log = logger.Nop()
	}
	m := &ConnectionManager{
		cfg:     cfg.withDefaults(),
		tr:      tr,
		log:     log,
		history: history,
		wake:    make(chan struct{}, 1),
		faults:  make(chan fault, 1),
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
	now := m.nowFunc()
	m.status.Store(&models.ConnectionStatus{State: models.StateDisconnected, Since: now})
	m.lastInterest.Store(now.UnixNano())
	return m
}

// OnChange registers a listener. Call before Run.
func (m *ConnectionManager) OnChange(fn ConnectionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// AddInterestProbe registers a predicate that keeps the session alive while it returns true.
func (m *ConnectionManager) AddInterestProbe(fn func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, fn)
}

// Status returns the current immutable status.
func (m *ConnectionManager) Status() models.ConnectionStatus {
	return *m.status.Load()
}

// Session returns the live session, or nil when not connected.
func (m *ConnectionManager) Session() transport.Session {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	return m.sess
}

// Done is closed once Run has returned and the session is closed.
func (m *ConnectionManager) Done() <-chan struct{} { return m.done }

// EnsureConnected records interest and asks the manager to connect if it is DISCONNECTED.
// It never blocks. In ERROR the pending backoff retry is kept.
func (m *ConnectionManager) EnsureConnected() {
	m.Touch()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Touch records external interest without requesting a connection.
func (m *ConnectionManager) Touch() {
	m.lastInterest.Store(m.nowFunc().UnixNano())
}

// ReportFault tells the manager that sess is broken. Reports for a session that is no longer
// current are ignored.
func (m *ConnectionManager) ReportFault(sess transport.Session, err error) {
	select {
	case m.faults <- fault{sess: sess, err: err}:
	default:
	}
}

// MarkContact stamps a successful exchange with the device.
func (m *ConnectionManager) MarkContact() {
	now := m.nowFunc()
	m.update(func(st *models.ConnectionStatus) bool {
		st.LastContactAt = &now
		return true
	})
}

func (m *ConnectionManager) update(fn func(st *models.ConnectionStatus) bool) (models.ConnectionStatus, bool) {
	for {
		old := m.status.Load()
		st := *old
		if !fn(&st) {
			return *old, false
		}
		if m.status.CompareAndSwap(old, &st) {
			return st, true
		}
	}
}

// transition applies ev and notifies listeners. Only the Run goroutine calls it.
func (m *ConnectionManager) transition(ev connEvent, cause error) bool {
	var from models.ConnectionState
	now := m.nowFunc()
	st, ok := m.update(func(st *models.ConnectionStatus) bool {
		next, ok := nextState(st.State, ev)
		if !ok {
			return false
		}
		from = st.State
		st.State = next
		st.Since = now
		if cause != nil {
			st.LastError = cause.Error()
			st.LastErrorAt = &now
		}
		return true
	})
	if !ok {
		return false
	}

	metrics.SetConnectionState(string(st.State))
	fields := map[string]any{"from": string(from), "to": string(st.State), "event": ev.String()}
	if cause != nil {
		fields["error"] = cause.Error()
		m.log.Warnw("connection_transition", "from", from, "to", st.State, "event", ev.String(), "err", cause)
	} else {
		m.log.Infow("connection_transition", "from", from, "to", st.State, "event", ev.String())
	}
	m.history.Record(models.CategoryConnection, fmt.Sprintf("%s -> %s", from, st.State), fields)

	m.mu.Lock()
	listeners := append([]ConnectionListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
	return true
}

// Run drives connects, reconnect backoff, fault handling and idle release until ctx is done.
// On return the session is closed and the state is DISCONNECTED.
func (m *ConnectionManager) Run(ctx context.Context) {
	defer close(m.done)
	defer m.shutdown()

	backoff := m.cfg.BackoffBase
	retry := time.NewTimer(time.Hour)
	stopTimer(retry)
	retryPending := false

	var idleC <-chan time.Time
	if m.cfg.IdleRelease > 0 {
		idle := time.NewTicker(idleCheckInterval(m.cfg.IdleRelease))
		defer idle.Stop()
		idleC = idle.C
	}

	attempt := func() {
		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Infow("connection_retry_scheduled", "in", backoff.String())
			retry.Reset(backoff)
			retryPending = true
			backoff = minDuration(backoff*2, m.cfg.BackoffMax)
			return
		}
		backoff = m.cfg.BackoffBase
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-m.wake:
			if m.Status().State == models.StateDisconnected {
				attempt()
			}

		case <-retry.C:
			retryPending = false
			if m.Status().State == models.StateError {
				attempt()
			}

		case f := <-m.faults:
			if f.sess == nil || f.sess != m.Session() || m.Status().State != models.StateConnected {
				continue
			}
			m.closeSession()
			m.transition(evFault, f.err)
			if retryPending {
				stopTimer(retry)
			}
			retry.Reset(backoff)
			retryPending = true

		case <-idleC:
			if !m.idle() {
				continue
			}
			switch m.Status().State {
			case models.StateConnected:
				m.closeSession()
				m.transition(evIdle, nil)
			case models.StateError:
				if retryPending {
					stopTimer(retry)
					retryPending = false
				}
				backoff = m.cfg.BackoffBase
				m.transition(evIdle, nil)
			}
		}
	}
}

func (m *ConnectionManager) connect(ctx context.Context) error {
	if !m.transition(evConnectStart, nil) {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	ep, err := m.discover(cctx)
	var sess transport.Session
	if err == nil {
		sess, err = m.tr.Connect(cctx, ep)
		if err != nil {
			err = fmt.Errorf("connect %s: %w", ep.Address, err)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			m.transition(evShutdown, nil)
			return err
		}
		m.transition(evFailed, err)
		return err
	}

	m.sessMu.Lock()
	m.sess = sess
	m.sessMu.Unlock()
	m.MarkContact()
	m.transition(evConnected, nil)
	m.log.Infow("device_connected", "address", ep.Address, "hardware_id", ep.HardwareID, "name", ep.Name)
	return nil
}

// discover tries the primary address first and falls back to the hardware id.
func (m *ConnectionManager) discover(ctx context.Context) (transport.Endpoint, error) {
	if m.cfg.Address == "" && m.cfg.HardwareID == "" {
		return transport.Endpoint{}, errors.New("no device address or hardware id configured")
	}
	var primaryErr error
	if m.cfg.Address != "" {
		ep, err := m.tr.Discover(ctx, m.cfg.Address)
		if err == nil {
			return ep, nil
		}
		primaryErr = fmt.Errorf("discover %s: %w", m.cfg.Address, err)
		if m.cfg.HardwareID == "" || ctx.Err() != nil {
			return transport.Endpoint{}, primaryErr
		}
		m.log.Infow("discovery_fallback", "address", m.cfg.Address, "hardware_id", m.cfg.HardwareID, "err", err)
	}
	ep, err := m.tr.DiscoverByID(ctx, m.cfg.HardwareID)
	if err != nil {
		err = fmt.Errorf("discover id %s: %w", m.cfg.HardwareID, err)
		if primaryErr != nil {
			return transport.Endpoint{}, errors.Join(primaryErr, err)
		}
		return transport.Endpoint{}, err
	}
	return ep, nil
}

// idle reports whether nothing has shown interest for the whole idle window.
func (m *ConnectionManager) idle() bool {
	last := time.Unix(0, m.lastInterest.Load())
	if m.nowFunc().Sub(last) < m.cfg.IdleRelease {
		return false
	}
	m.mu.Lock()
	probes := append([]func() bool(nil), m.probes...)
	m.mu.Unlock()
	for _, p := range probes {
		if p() {
			return false
		}
	}
	return true
}

func (m *ConnectionManager) closeSession() {
	m.sessMu.Lock()
	sess := m.sess
	m.sess = nil
	m.sessMu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		m.log.Warnw("session_close_failed", "err", err)
	}
}

func (m *ConnectionManager) shutdown() {
	m.closeSession()
	m.transition(evShutdown, nil)
}

func idleCheckInterval(window time.Duration) time.Duration {
	d := window / 10
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 15*time.Second {
		d = 15 * time.Second
	}
	return d
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
