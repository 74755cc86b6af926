package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"spa_engine/internal/models"
	"spa_engine/internal/repository"
	"spa_engine/internal/transport"
)

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

// recordingSession records writes and detects overlapping calls.
type recordingSession struct {
	mu     sync.Mutex
	writes []transport.Operation

	inFlight atomic.Int32
	overlap  atomic.Bool
	closed   atomic.Bool

	delay    time.Duration
	writeErr error
	block    chan struct{} // when set, Write waits for it to close
}

func (s *recordingSession) Read(ctx context.Context) ([]byte, error) {
	return nil, errors.New("not readable")
}

func (s *recordingSession) Write(ctx context.Context, op transport.Operation) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	if s.block != nil {
		<-s.block
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.writes = append(s.writes, op)
	s.mu.Unlock()
	return s.writeErr
}

func (s *recordingSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *recordingSession) Writes() []transport.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Operation(nil), s.writes...)
}

// fakeConn stands in for ConnectionManager.
type fakeConn struct {
	mu       sync.Mutex
	st       models.ConnectionStatus
	sess     transport.Session
	faults   []error
	ensured  int
	contacts int
}

func newFakeConn(state models.ConnectionState, sess transport.Session) *fakeConn {
	return &fakeConn{st: models.ConnectionStatus{State: state, Since: time.Now()}, sess: sess}
}

func (c *fakeConn) Status() models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *fakeConn) Session() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.State != models.StateConnected {
		return nil
	}
	return c.sess
}

func (c *fakeConn) ReportFault(sess transport.Session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, err)
}

func (c *fakeConn) MarkContact() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts++
}

func (c *fakeConn) EnsureConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensured++
}

func (c *fakeConn) setState(s models.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.State = s
}

func (c *fakeConn) Faults() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.faults...)
}

func (c *fakeConn) Ensured() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensured
}

// fakeState stands in for StateCache.
type fakeState struct {
	mu    sync.Mutex
	snap  *models.DeviceSnapshot
	kicks int
}

func (f *fakeState) Snapshot() *models.DeviceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeState) Kick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks++
}

func spaSnapshot() *models.DeviceSnapshot {
	return &models.DeviceSnapshot{
		Temperature: models.Temperature{CurrentF: fptr(98), SetpointF: fptr(100), Units: models.UnitsFahrenheit},
		Actuators: []models.Actuator{
			{ID: "pump1", Label: "Pump 1", State: models.ActuatorOff},
			{ID: "pump2", Label: "Pump 2", State: models.ActuatorOn, Speed: "HIGH"},
		},
		Lights: models.Lights{On: false},
		Faults: []models.Fault{},
		Capabilities: models.Capabilities{
			CanSetTemp:    true,
			MinSetpointF:  59,
			MaxSetpointF:  104,
			ActuatorCount: 2,
			HasLights:     true,
		},
	}
}

// recorder captures history entries in memory.
type recorder struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (r *recorder) Record(cat models.LogCategory, msg string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, models.LogEntry{Timestamp: time.Now(), Category: cat, Message: msg, Fields: fields})
}

func (r *recorder) Messages(msg string) []models.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.LogEntry
	for _, e := range r.entries {
		if e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}

// publisher captures events in memory.
type publisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *publisher) Publish(ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *publisher) OfType(t models.EventType) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memRules is an in-memory RuleRepo.
type memRules struct {
	mu      sync.Mutex
	rules   []models.AutomationRule
	listErr error
	fired   []markFiredCall
}

type markFiredCall struct {
	id      string
	at      time.Time
	enabled bool
}

var _ repository.RuleRepo = (*memRules)(nil)

func (m *memRules) List(ctx context.Context) ([]models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]models.AutomationRule(nil), m.rules...), nil
}

func (m *memRules) Create(ctx context.Context, r models.AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	return nil
}

func (m *memRules) Update(ctx context.Context, r models.AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == r.ID {
			r.LastFired = m.rules[i].LastFired
			m.rules[i] = r
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memRules) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memRules) MarkFired(ctx context.Context, id string, at time.Time, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fired = append(m.fired, markFiredCall{id: id, at: at, enabled: enabled})
	for i := range m.rules {
		if m.rules[i].ID == id {
			t := at
			m.rules[i].LastFired = &t
			m.rules[i].Enabled = enabled
			return nil
		}
	}
	return repository.ErrNotFound
}

// memSnapshots is an in-memory SnapshotRepo.
type memSnapshots struct {
	mu    sync.Mutex
	snap  *models.DeviceSnapshot
	at    time.Time
	saves int
}

func (m *memSnapshots) Save(ctx context.Context, s models.DeviceSnapshot, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap, m.at = &s, at
	m.saves++
	return nil
}

func (m *memSnapshots) Load(ctx context.Context) (*models.DeviceSnapshot, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.at, nil
}

// memHistory is an in-memory HistoryRepo whose writes can be made to fail.
type memHistory struct {
	mu      sync.Mutex
	entries []models.LogEntry
	failing bool
	lastN   int
	lastCat models.LogCategory
}

func (m *memHistory) Append(e models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memHistory) Tail(n int, cat models.LogCategory) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastN, m.lastCat = n, cat
	var out []models.LogEntry
	for _, e := range m.entries {
		if cat == "" || e.Category == cat {
			out = append(out, e)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (m *memHistory) Prune(now time.Time) (int, error) { return 0, nil }

func (m *memHistory) setFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}
