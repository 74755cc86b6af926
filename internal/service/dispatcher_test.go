package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"spa_engine/internal/models"
	"spa_engine/internal/transport"
)

type dispatcherFixture struct {
	d     *Dispatcher
	sess  *recordingSession
	conn  *fakeConn
	state *fakeState
	hist  *recorder
	stop  func()
}

func newDispatcherFixture(t *testing.T, cfg DispatcherConfig) *dispatcherFixture {
	t.Helper()
	sess := &recordingSession{}
	conn := newFakeConn(models.StateConnected, sess)
	state := &fakeState{snap: spaSnapshot()}
	hist := &recorder{}
	d := NewDispatcher(cfg, conn, state, hist, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return &dispatcherFixture{d: d, sess: sess, conn: conn, state: state, hist: hist, stop: stop}
}

func setTemp(v float64) models.Command {
	return models.Command{Kind: models.KindSetTemperature, Payload: models.CommandPayload{Temperature: fptr(v)}}
}

func TestDispatcher_WritesInSubmissionOrderOneAtATime(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{MinInterval: time.Millisecond})
	f.sess.delay = 2 * time.Millisecond

	const n = 20
	results := make([]<-chan models.CommandResult, 0, n)
	for i := 0; i < n; i++ {
		cmd := setTemp(float64(80 + i))
		if i%2 == 1 {
			cmd.Origin = models.OriginScheduler
		}
		ch, err := f.d.Enqueue(context.Background(), cmd)
		if err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
		results = append(results, ch)
	}
	for i, ch := range results {
		if res := <-ch; !res.OK {
			t.Fatalf("command %d failed: %s", i, res.Error)
		}
	}

	writes := f.sess.Writes()
	if len(writes) != n {
		t.Fatalf("expected %d writes, got %d", n, len(writes))
	}
	for i, op := range writes {
		if op.Value != float64(80+i) {
			t.Fatalf("write %d: got %v, want %v", i, op.Value, float64(80+i))
		}
	}
	if f.sess.overlap.Load() {
		t.Fatalf("writes overlapped")
	}
}

func TestDispatcher_ConcurrentSubmittersNeverOverlap(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.sess.delay = time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if res := f.d.Submit(context.Background(), setTemp(float64(90+i%10))); !res.OK {
				t.Errorf("submit %d: %s", i, res.Error)
			}
		}(i)
	}
	wg.Wait()

	if got := len(f.sess.Writes()); got != 16 {
		t.Fatalf("expected 16 writes, got %d", got)
	}
	if f.sess.overlap.Load() {
		t.Fatalf("writes overlapped")
	}
	if f.d.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", f.d.Pending())
	}
}

func TestDispatcher_RejectsAboveCeilingWithoutTouchingTransport(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{MaxSetpointF: 104})

	res := f.d.Submit(context.Background(), setTemp(110))
	if res.OK {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(res.Error, "exceeds maximum") {
		t.Fatalf("expected exceeds maximum, got %q", res.Error)
	}
	if len(f.sess.Writes()) != 0 {
		t.Fatalf("transport was touched")
	}
	if got := f.hist.Messages("command result"); len(got) != 1 || got[0].Fields["ok"] != false {
		t.Fatalf("expected one failed result in history, got %+v", got)
	}
	if got := f.hist.Messages("command submitted"); len(got) != 1 || got[0].Fields["id"] != res.CommandID {
		t.Fatalf("rejected commands must still record their submission, got %+v", got)
	}
}

func TestDispatcher_CeilingCheckedBeforeConnectivity(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{MaxSetpointF: 104})
	f.conn.setState(models.StateDisconnected)

	res := f.d.Submit(context.Background(), setTemp(110))
	if !strings.Contains(res.Error, "exceeds maximum") {
		t.Fatalf("expected exceeds maximum, got %q", res.Error)
	}
}

func TestDispatcher_NotConnectedFailsImmediately(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.conn.setState(models.StateDisconnected)

	res := f.d.Submit(context.Background(), models.Command{
		Kind:    models.KindToggleActuator,
		Payload: models.CommandPayload{ActuatorID: "pump1"},
	})
	if res.OK || res.Error != "not connected" {
		t.Fatalf("expected not connected, got %+v", res)
	}
	if len(f.sess.Writes()) != 0 || f.d.Pending() != 0 {
		t.Fatalf("command must not be queued across a disconnect")
	}
	if f.conn.Ensured() == 0 {
		t.Fatalf("submission should signal interest to the connection manager")
	}
}

func TestDispatcher_ForwardsValueVerbatim(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{MaxSetpointF: 104})

	res := f.d.Submit(context.Background(), setTemp(101))
	if !res.OK {
		t.Fatalf("expected ok, got %q", res.Error)
	}
	writes := f.sess.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(writes))
	}
	if writes[0].Key != transport.OpSetpoint || writes[0].Value != 101.0 || writes[0].Units != models.UnitsFahrenheit {
		t.Fatalf("unexpected operation %+v", writes[0])
	}
	if res.CommandID == "" {
		t.Fatalf("expected a command id")
	}
}

func TestDispatcher_SpacesDispatchStarts(t *testing.T) {
	const gap = 40 * time.Millisecond
	f := newDispatcherFixture(t, DispatcherConfig{MinInterval: gap})

	a, _ := f.d.Enqueue(context.Background(), setTemp(99))
	b, _ := f.d.Enqueue(context.Background(), setTemp(100))
	c, _ := f.d.Enqueue(context.Background(), setTemp(101))
	for _, ch := range []<-chan models.CommandResult{a, b, c} {
		if res := <-ch; !res.OK {
			t.Fatalf("unexpected failure: %s", res.Error)
		}
	}

	dispatched := f.hist.Messages("command dispatched")
	if len(dispatched) != 3 {
		t.Fatalf("expected 3 dispatch entries, got %d", len(dispatched))
	}
	var prev time.Time
	for i, e := range dispatched {
		at, err := time.Parse(time.RFC3339Nano, e.Fields["dispatch_started_at"].(string))
		if err != nil {
			t.Fatalf("parse dispatch time: %v", err)
		}
		if i > 0 && at.Sub(prev) < gap {
			t.Fatalf("dispatch %d started %v after previous, want >= %v", i, at.Sub(prev), gap)
		}
		prev = at
	}
}

func TestDispatcher_DeviceRejectionIsNotRetried(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.sess.writeErr = fmt.Errorf("%w: busy", transport.ErrRejected)

	res := f.d.Submit(context.Background(), setTemp(100))
	if res.OK || !strings.Contains(res.Error, "rejected") {
		t.Fatalf("expected rejection, got %+v", res)
	}
	time.Sleep(10 * time.Millisecond)
	if got := len(f.sess.Writes()); got != 1 {
		t.Fatalf("expected exactly one write attempt, got %d", got)
	}
	if len(f.conn.Faults()) != 0 {
		t.Fatalf("a device rejection is not a connection fault")
	}
}

func TestDispatcher_ClosedSessionIsReportedAsFault(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.sess.writeErr = transport.ErrSessionClosed

	res := f.d.Submit(context.Background(), setTemp(100))
	if res.OK {
		t.Fatalf("expected failure")
	}
	faults := f.conn.Faults()
	if len(faults) != 1 || !errors.Is(faults[0], transport.ErrSessionClosed) {
		t.Fatalf("expected session fault, got %v", faults)
	}
}

func TestDispatcher_StopFailsQueuedCommands(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{MinInterval: time.Hour})
	f.sess.block = make(chan struct{})

	first, _ := f.d.Enqueue(context.Background(), setTemp(98))
	waitFor(t, time.Second, "first write in flight", func() bool { return f.sess.inFlight.Load() == 1 })
	second, _ := f.d.Enqueue(context.Background(), setTemp(99))
	third, _ := f.d.Enqueue(context.Background(), setTemp(100))

	stopped := make(chan struct{})
	go func() {
		f.stop()
		close(stopped)
	}()
	close(f.sess.block)
	<-stopped

	if res := <-first; !res.OK {
		t.Fatalf("in-flight write should complete, got %q", res.Error)
	}
	for i, ch := range []<-chan models.CommandResult{second, third} {
		res := <-ch
		if res.OK || res.Error != ErrDispatcherStopped.Error() {
			t.Fatalf("queued command %d: expected dispatcher stopped, got %+v", i, res)
		}
	}
	if _, err := f.d.Enqueue(context.Background(), setTemp(100)); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected ErrDispatcherStopped after stop, got %v", err)
	}
}

func TestDispatcher_CancelledBeforeDispatchIsSkipped(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.sess.block = make(chan struct{})

	first, _ := f.d.Enqueue(context.Background(), setTemp(98))
	waitFor(t, time.Second, "first write in flight", func() bool { return f.sess.inFlight.Load() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	second, _ := f.d.Enqueue(ctx, setTemp(99))
	cancel()
	close(f.sess.block)

	<-first
	res := <-second
	if res.OK || !strings.Contains(res.Error, "cancelled") {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if got := len(f.sess.Writes()); got != 1 {
		t.Fatalf("expected 1 write, got %d", got)
	}
}

func TestDispatcher_Validate(t *testing.T) {
	t.Parallel()

	noLights := spaSnapshot()
	noLights.Capabilities.HasLights = false
	fixed := spaSnapshot()
	fixed.Capabilities.CanSetTemp = false

	cases := []struct {
		name string
		snap *models.DeviceSnapshot
		cmd  models.Command
		want error
	}{
		{"unknown kind", spaSnapshot(), models.Command{Kind: "reboot"}, ErrInvalidCommand},
		{"missing temperature", spaSnapshot(), models.Command{Kind: models.KindSetTemperature}, ErrInvalidCommand},
		{"above ceiling", spaSnapshot(), setTemp(105), ErrExceedsMaximum},
		{"below device minimum", spaSnapshot(), setTemp(40), ErrOutOfRange},
		{"temperature not settable", fixed, setTemp(100), ErrUnsupported},
		{"temperature without snapshot", nil, setTemp(100), nil},
		{"unknown actuator", spaSnapshot(), models.Command{Kind: models.KindToggleActuator, Payload: models.CommandPayload{ActuatorID: "pump9"}}, ErrUnknownActuator},
		{"bad actuator state", spaSnapshot(), models.Command{Kind: models.KindToggleActuator, Payload: models.CommandPayload{ActuatorID: "pump1", State: "fast"}}, ErrInvalidCommand},
		{"actuator without snapshot", nil, models.Command{Kind: models.KindToggleActuator, Payload: models.CommandPayload{ActuatorID: "pump1"}}, ErrStateUnavailable},
		{"known actuator", spaSnapshot(), models.Command{Kind: models.KindToggleActuator, Payload: models.CommandPayload{ActuatorID: "pump2", State: models.ActuatorOff}}, nil},
		{"lights unsupported", noLights, models.Command{Kind: models.KindToggleLight}, ErrUnsupported},
		{"lights", spaSnapshot(), models.Command{Kind: models.KindToggleLight, Payload: models.CommandPayload{On: bptr(true)}}, nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := NewDispatcher(DispatcherConfig{MaxSetpointF: 104}, newFakeConn(models.StateConnected, nil), &fakeState{snap: tc.snap}, nil, nil)
			err := d.validate(tc.cmd)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestToOperation_ResolvesToggles(t *testing.T) {
	t.Parallel()

	snap := spaSnapshot()
	cases := []struct {
		name string
		cmd  models.Command
		want transport.Operation
	}{
		{
			name: "toggle off actuator turns it on",
			cmd:  models.Command{Kind: models.KindToggleActuator, Payload: models.CommandPayload{ActuatorID: "pump1"}},
			want: transport.Operation{Key: transport.OpActuator, Target: "pump1", Value: models.ActuatorOn},
		},
		{
			name: "toggle on actuator turns it off",
			cmd:  models.Command{Kind: models.KindToggleActuator, Payload: models.CommandPayload{ActuatorID: "pump2"}},
			want: transport.Operation{Key: transport.OpActuator, Target: "pump2", Value: models.ActuatorOff},
		},
		{
			name: "speed wins over state",
			cmd:  models.Command{Kind: models.KindToggleActuator, Payload: models.CommandPayload{ActuatorID: "pump2", State: "on", Speed: "LOW"}},
			want: transport.Operation{Key: transport.OpActuator, Target: "pump2", Value: "LOW"},
		},
		{
			name: "light toggles current state",
			cmd:  models.Command{Kind: models.KindToggleLight},
			want: transport.Operation{Key: transport.OpLight, Value: true},
		},
		{
			name: "explicit light with zone and color",
			cmd:  models.Command{Kind: models.KindToggleLight, Payload: models.CommandPayload{On: bptr(false), Zone: "main", Color: "blue"}},
			want: transport.Operation{Key: transport.OpLight, Target: "main", Value: false, Color: "blue"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := toOperation(tc.cmd, snap)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
