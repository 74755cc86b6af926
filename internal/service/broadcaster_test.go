package service

import (
	"testing"
	"time"

	"spa_engine/internal/models"
)

func drain(sub *Subscription) []models.Event {
	var out []models.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func logEvent(msg string) models.Event {
	return models.Event{Type: models.EventLog, Payload: models.LogEntry{Message: msg}}
}

func TestBroadcaster_NewSubscriberGetsCurrentStateFirst(t *testing.T) {
	b := NewBroadcaster(8, OverflowDropOldest, nil)
	snap := spaSnapshot()
	st := models.ConnectionStatus{State: models.StateConnected, Since: time.Now()}

	b.Publish(models.Event{Type: models.EventStateUpdate, Payload: snap})
	b.PublishConnection(st)

	sub := b.Subscribe()
	defer sub.Close()
	b.Publish(logEvent("later"))

	got := drain(sub)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != models.EventStateUpdate || got[0].Payload.(*models.DeviceSnapshot) != snap {
		t.Fatalf("first event should be the current snapshot, got %+v", got[0])
	}
	if got[1].Type != models.EventConnectionUpdate || got[1].Payload.(models.ConnectionStatus).State != models.StateConnected {
		t.Fatalf("second event should be the connection status, got %+v", got[1])
	}
	if got[2].Type != models.EventLog {
		t.Fatalf("third event should be the live one, got %+v", got[2])
	}
}

func TestBroadcaster_DropOldestKeepsNewest(t *testing.T) {
	b := NewBroadcaster(1, OverflowDropOldest, nil) // raised to the minimum of 4
	sub := b.Subscribe()
	defer sub.Close()

	for _, m := range []string{"a", "b", "c", "d", "e", "f"} {
		b.Publish(logEvent(m))
	}

	got := drain(sub)
	if len(got) != 4 {
		t.Fatalf("expected a full buffer of 4, got %d", len(got))
	}
	want := []string{"c", "d", "e", "f"}
	for i, ev := range got {
		if msg := ev.Payload.(models.LogEntry).Message; msg != want[i] {
			t.Fatalf("event %d = %q, want %q", i, msg, want[i])
		}
	}
	if sub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", sub.Dropped())
	}
	if b.Count() != 1 {
		t.Fatalf("drop_oldest must keep the subscriber")
	}
}

func TestBroadcaster_DropOldestKeepsConnectionUnderLogBurst(t *testing.T) {
	b := NewBroadcaster(32, OverflowDropOldest, nil)
	b.PublishConnection(models.ConnectionStatus{State: models.StateError, Since: time.Now()})
	sub := b.Subscribe()
	defer sub.Close()
	b.PublishConnection(models.ConnectionStatus{State: models.StateConnected, Since: time.Now()})
	for i := 0; i < 32; i++ {
		b.Publish(logEvent("chatter"))
	}

	var states []models.ConnectionState
	logs := 0
	for _, ev := range drain(sub) {
		switch ev.Type {
		case models.EventConnectionUpdate:
			states = append(states, ev.Payload.(models.ConnectionStatus).State)
		case models.EventLog:
			logs++
		}
	}
	if len(states) != 2 || states[0] != models.StateError || states[1] != models.StateConnected {
		t.Fatalf("connection transitions lost: %v", states)
	}
	if logs != 30 || sub.Dropped() != 2 {
		t.Fatalf("expected 30 logs and 2 dropped, got %d and %d", logs, sub.Dropped())
	}
}

func TestBroadcaster_DropOldestKeepsLatestStateAndConnection(t *testing.T) {
	b := NewBroadcaster(4, OverflowDropOldest, nil)
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 3; i++ {
		snap := spaSnapshot()
		snap.Temperature.SetpointF = fptr(float64(100 + i))
		b.Publish(models.Event{Type: models.EventStateUpdate, Payload: snap})
		b.PublishConnection(models.ConnectionStatus{State: models.StateConnected, Since: time.Now()})
		b.Publish(logEvent("tick"))
	}

	got := drain(sub)
	if len(got) != 4 {
		t.Fatalf("expected a full buffer of 4, got %d", len(got))
	}
	var last *models.DeviceSnapshot
	sawConn := false
	for _, ev := range got {
		switch ev.Type {
		case models.EventStateUpdate:
			last = ev.Payload.(*models.DeviceSnapshot)
		case models.EventConnectionUpdate:
			sawConn = true
		}
	}
	if last == nil || *last.Temperature.SetpointF != 102 {
		t.Fatalf("latest snapshot must survive overflow, got %+v", got)
	}
	if !sawConn {
		t.Fatalf("latest connection status must survive overflow, got %+v", got)
	}
	if sub.Dropped() != 5 {
		t.Fatalf("expected 5 dropped, got %d", sub.Dropped())
	}
}

func TestBroadcaster_PassiveSubscribersAreNotInterest(t *testing.T) {
	b := NewBroadcaster(4, OverflowDropOldest, nil)
	mirror := b.SubscribePassive()
	if b.Count() != 1 || b.Interested() != 0 {
		t.Fatalf("passive: count=%d interested=%d", b.Count(), b.Interested())
	}
	viewer := b.Subscribe()
	if b.Interested() != 1 {
		t.Fatalf("active subscriber should count, interested=%d", b.Interested())
	}
	viewer.Close()
	b.Publish(logEvent("still delivered"))
	if got := drain(mirror); len(got) != 1 {
		t.Fatalf("passive subscriber should still receive events, got %d", len(got))
	}
	if b.Interested() != 0 {
		t.Fatalf("closed subscriber still counted")
	}
}

func TestEvictIndex(t *testing.T) {
	st := models.Event{Type: models.EventStateUpdate}
	conn := models.Event{Type: models.EventConnectionUpdate}
	lg := models.Event{Type: models.EventLog}
	tests := []struct {
		name    string
		backlog []models.Event
		want    int
	}{
		{"oldest log first", []models.Event{st, conn, lg, lg}, 2},
		{"superseded state", []models.Event{conn, st, st}, 1},
		{"superseded connection", []models.Event{conn, st, conn}, 0},
		{"nothing superseded", []models.Event{st, conn}, 0},
	}
	for _, tt := range tests {
		if got := evictIndex(tt.backlog); got != tt.want {
			t.Errorf("%s: evictIndex = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestBroadcaster_DisconnectPolicyDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(4, OverflowDisconnect, nil)
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := 0; i < 5; i++ {
		b.Publish(logEvent("tick"))
		if i < 4 {
			<-fast.Events()
		}
	}

	if got := len(drain(slow)); got != 4 {
		t.Fatalf("slow subscriber should see its buffered events before close, got %d", got)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatalf("slow subscriber channel should be closed")
	}
	if b.Count() != 1 {
		t.Fatalf("expected only the fast subscriber to remain, got %d", b.Count())
	}
	fast.Close()
	if b.Count() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Count())
	}
}

func TestBroadcaster_CloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcaster(4, "", nil)
	sub := b.Subscribe()
	sub.Close()
	sub.Close()

	b.Publish(logEvent("x"))
	b.Close()
	b.Close()

	late := b.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatalf("subscribing after Close should yield a closed stream")
	}
	late.Close()
	if b.Count() != 0 {
		t.Fatalf("expected no subscribers after Close")
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		want OverflowPolicy
		ok   bool
	}{
		"":            {OverflowDropOldest, true},
		"DROP_OLDEST": {OverflowDropOldest, true},
		" disconnect": {OverflowDisconnect, true},
		"block":       {"", false},
	}
	for in, w := range cases {
		got, ok := ParseOverflowPolicy(in)
		if got != w.want || ok != w.ok {
			t.Errorf("ParseOverflowPolicy(%q) = (%q, %v), want (%q, %v)", in, got, ok, w.want, w.ok)
		}
	}
}
