package service

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"spa_engine/internal/logger"
	"spa_engine/internal/metrics"
	"spa_engine/internal/models"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy accepts the config spelling; ok is false for unknown values.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case OverflowDropOldest, "":
		return OverflowDropOldest, true
	case OverflowDisconnect:
		return OverflowDisconnect, true
	}
	return "", false
}

const minSubscriberBuffer = 4

// Subscription is one observer's bounded event stream. Events is closed when the
// subscription ends, either by Close or because the broadcaster dropped it.
type Subscription struct {
	b       *Broadcaster
	ch      chan models.Event
	closed  bool // guarded by b.mu
	passive bool
	dropped atomic.Int64
}

// Events yields events in publish order.
func (s *Subscription) Events() <-chan models.Event { return s.ch }

// Dropped reports how many events were discarded under drop_oldest.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.b.remove(s) }

// Broadcaster fans events out to subscribers without ever blocking a publisher.
type Broadcaster struct {
	buffer int
	policy OverflowPolicy
	log    *logger.Logger

	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	snapshot   *models.DeviceSnapshot
	snapshotAt time.Time
	conn       *models.ConnectionStatus
	stopped    bool
}

func NewBroadcaster(buffer int, policy OverflowPolicy, log *logger.Logger) *Broadcaster {
	if buffer < minSubscriberBuffer {
		buffer = minSubscriberBuffer
	}
	if policy == "" {
		policy = OverflowDropOldest
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Broadcaster{
		buffer: buffer,
		policy: policy,
		log:    log,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers an observer. The current snapshot and connection status, when known,
// are the first events on the stream. The subscription counts as interest in the device.
func (b *Broadcaster) Subscribe() *Subscription { return b.subscribe(false) }

// SubscribePassive registers an observer that does not keep the device session open, for
// in-process mirrors that live as long as the process.
func (b *Broadcaster) SubscribePassive() *Subscription { return b.subscribe(true) }

func (b *Broadcaster) subscribe(passive bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{b: b, ch: make(chan models.Event, b.buffer), passive: passive}
	if b.stopped {
		s.closed = true
		close(s.ch)
		return s
	}
	if b.snapshot != nil {
		s.ch <- models.Event{Type: models.EventStateUpdate, At: b.snapshotAt, Payload: b.snapshot}
	}
	if b.conn != nil {
		s.ch <- models.Event{Type: models.EventConnectionUpdate, At: b.conn.Since, Payload: *b.conn}
	}
	b.subs[s] = struct{}{}
	metrics.SetSubscribers(len(b.subs))
	return s
}

// Publish delivers ev to every subscriber. State and connection events also become the
// initial events for future subscribers.
func (b *Broadcaster) Publish(ev models.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	switch p := ev.Payload.(type) {
	case *models.DeviceSnapshot:
		if ev.Type == models.EventStateUpdate {
			b.snapshot, b.snapshotAt = p, ev.At
		}
	case models.ConnectionStatus:
		if ev.Type == models.EventConnectionUpdate {
			st := p
			b.conn = &st
		}
	}

	for s := range b.subs {
		b.deliver(s, ev)
	}
}

// PublishConnection is a ConnectionListener.
func (b *Broadcaster) PublishConnection(st models.ConnectionStatus) {
	b.Publish(models.Event{Type: models.EventConnectionUpdate, At: st.Since, Payload: st})
}

// deliver must be called with b.mu held.
func (b *Broadcaster) deliver(s *Subscription, ev models.Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	metrics.IncEventsDropped()
	if b.policy == OverflowDisconnect {
		b.log.Warnw("subscriber_dropped", "reason", "buffer_full", "buffer", b.buffer)
		b.removeLocked(s)
		return
	}

	// only publishers send, and they hold b.mu, so the drained backlog always fits back
	backlog := make([]models.Event, 0, cap(s.ch)+1)
	for drained := false; !drained; {
		select {
		case queued := <-s.ch:
			backlog = append(backlog, queued)
		default:
			drained = true
		}
	}
	backlog = append(backlog, ev)
	for len(backlog) > cap(s.ch) {
		i := evictIndex(backlog)
		backlog = append(backlog[:i], backlog[i+1:]...)
		s.dropped.Add(1)
	}
	for _, queued := range backlog {
		s.ch <- queued
	}
}

// evictIndex picks the event drop_oldest discards: the oldest event_log, else the oldest
// state or connection event that a later one of the same type supersedes, else the oldest.
// The latest snapshot and connection status therefore survive any burst of log chatter.
func evictIndex(backlog []models.Event) int {
	for i, ev := range backlog {
		if ev.Type == models.EventLog {
			return i
		}
	}
	for i, ev := range backlog {
		for _, later := range backlog[i+1:] {
			if later.Type == ev.Type {
				return i
			}
		}
	}
	return 0
}

// Count returns the number of active subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Interested returns the number of active subscribers that count as device interest.
func (b *Broadcaster) Interested() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.subs {
		if !s.passive {
			n++
		}
	}
	return n
}

// Close ends every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for s := range b.subs {
		b.removeLocked(s)
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

func (b *Broadcaster) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
	metrics.SetSubscribers(len(b.subs))
}
