package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"spa_engine/internal/logger"
	"spa_engine/internal/metrics"
	"spa_engine/internal/models"
	"spa_engine/internal/transport"

	"github.com/google/uuid"
)

// snapshotSource is the part of StateCache the dispatcher reads.
type snapshotSource interface {
	Snapshot() *models.DeviceSnapshot
	Kick()
}

// DispatcherConfig bounds what may be sent and how fast.
type DispatcherConfig struct {
	MaxSetpointF float64
	MinInterval  time.Duration // between successive dispatch starts
	WriteTimeout time.Duration
	QueueSize    int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxSetpointF <= 0 {
		c.MaxSetpointF = 104
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type job struct {
	ctx    context.Context
	cmd    models.Command
	result chan models.CommandResult
}

// Dispatcher is the only writer to the device session. Commands from every origin share one
// FIFO queue consumed by a single worker.
type Dispatcher struct {
	cfg     DispatcherConfig
	conn    sessionProvider
	state   snapshotSource
	history Recorder
	log     *logger.Logger

	queue    chan *job
	pending  atomic.Int64
	stopping chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	stopped bool

	lastStart time.Time // worker only

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(cfg DispatcherConfig, conn sessionProvider, state snapshotSource, history Recorder, log *logger.Logger) *Dispatcher {
	if history == nil {
		history = nopRecorder{}
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		conn:     conn,
		state:    state,
		history:  history,
		log:      log,
		queue:    make(chan *job, cfg.QueueSize),
		stopping: make(chan struct{}),
		nowFunc:  time.Now,
		sleep:    sleepCtx,
	}
}

// Pending reports queued plus in-flight commands.
func (d *Dispatcher) Pending() int { return int(d.pending.Load()) }

// Submit enqueues cmd and waits for its terminal result.
func (d *Dispatcher) Submit(ctx context.Context, cmd models.Command) models.CommandResult {
	ch, err := d.Enqueue(ctx, cmd)
	if err != nil {
		return models.CommandResult{CommandID: cmd.ID, OK: false, Error: err.Error()}
	}
	return <-ch
}

// Enqueue validates cmd and queues it. The returned channel always yields exactly one result,
// including for commands rejected before they reach the queue. The error is non-nil only
// when the dispatcher has stopped.
func (d *Dispatcher) Enqueue(ctx context.Context, cmd models.Command) (<-chan models.CommandResult, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Origin == "" {
		cmd.Origin = models.OriginUser
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = d.nowFunc()
	}
	d.conn.EnsureConnected()

	j := &job{ctx: ctx, cmd: cmd, result: make(chan models.CommandResult, 1)}
	d.history.Record(models.CategoryCommand, "command submitted", commandFields(cmd, nil))

	if err := d.validate(cmd); err != nil {
		d.finish(j, err)
		return j.result, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.finish(j, ErrDispatcherStopped)
		return nil, ErrDispatcherStopped
	}

	d.pending.Add(1)
	select {
	case d.queue <- j:
		return j.result, nil
	case <-d.stopping:
		d.pending.Add(-1)
		d.finish(j, ErrDispatcherStopped)
		return nil, ErrDispatcherStopped
	case <-ctx.Done():
		d.finish(j, ctx.Err())
		d.pending.Add(-1)
		return j.result, nil
	}
}

// validate runs structural checks, then connectivity, then checks against the device's
// current capabilities.
func (d *Dispatcher) validate(cmd models.Command) error {
	if err := d.validateStructure(cmd); err != nil {
		return err
	}
	if !d.conn.Status().Connected() {
		return ErrNotConnected
	}
	return d.validateCapabilities(cmd, d.state.Snapshot())
}

func (d *Dispatcher) validateStructure(cmd models.Command) error {
	p := cmd.Payload
	switch cmd.Kind {
	case models.KindSetTemperature:
		if p.Temperature == nil {
			return fmt.Errorf("%w: temperature is required", ErrInvalidCommand)
		}
		t := *p.Temperature
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: temperature must be a finite number", ErrInvalidCommand)
		}
		if t > d.cfg.MaxSetpointF {
			return fmt.Errorf("%w: %.1f°F > %.1f°F", ErrExceedsMaximum, t, d.cfg.MaxSetpointF)
		}
	case models.KindToggleActuator:
		if p.ActuatorID == "" {
			return fmt.Errorf("%w: actuator_id is required", ErrInvalidCommand)
		}
		switch p.State {
		case "", models.ActuatorOn, models.ActuatorOff:
		default:
			return fmt.Errorf("%w: state must be on or off", ErrInvalidCommand)
		}
	case models.KindToggleLight:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
	}
	return nil
}

func (d *Dispatcher) validateCapabilities(cmd models.Command, snap *models.DeviceSnapshot) error {
	switch cmd.Kind {
	case models.KindSetTemperature:
		if snap == nil {
			return nil
		}
		caps := snap.Capabilities
		if !caps.CanSetTemp {
			return fmt.Errorf("%w: temperature control", ErrUnsupported)
		}
		t := *cmd.Payload.Temperature
		if caps.MaxSetpointF > 0 && t > caps.MaxSetpointF {
			return fmt.Errorf("%w: %.1f°F above device maximum %.1f°F", ErrOutOfRange, t, caps.MaxSetpointF)
		}
		if caps.MinSetpointF > 0 && t < caps.MinSetpointF {
			return fmt.Errorf("%w: %.1f°F below device minimum %.1f°F", ErrOutOfRange, t, caps.MinSetpointF)
		}
	case models.KindToggleActuator:
		if snap == nil {
			return ErrStateUnavailable
		}
		if _, ok := snap.Actuator(cmd.Payload.ActuatorID); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownActuator, cmd.Payload.ActuatorID)
		}
	case models.KindToggleLight:
		if snap == nil {
			return ErrStateUnavailable
		}
		if !snap.Capabilities.HasLights {
			return fmt.Errorf("%w: lights", ErrUnsupported)
		}
	}
	return nil
}

// Run consumes the queue until ctx is canceled, then fails whatever is still queued.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.execute(ctx, j)
		}
	}
}

func (d *Dispatcher) drain() {
	d.stopOnce.Do(func() { close(d.stopping) })
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	for {
		select {
		case j := <-d.queue:
			d.finish(j, ErrDispatcherStopped)
			d.pending.Add(-1)
		default:
			return
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, j *job) {
	defer d.pending.Add(-1)

	if err := j.ctx.Err(); err != nil {
		d.finish(j, fmt.Errorf("cancelled before dispatch: %w", err))
		return
	}
	if !d.lastStart.IsZero() && d.cfg.MinInterval > 0 {
		if wait := d.lastStart.Add(d.cfg.MinInterval).Sub(d.nowFunc()); wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				d.finish(j, ErrDispatcherStopped)
				return
			}
		}
	}

	sess := d.conn.Session()
	if sess == nil || !d.conn.Status().Connected() {
		d.finish(j, ErrNotConnected)
		return
	}
	op, err := toOperation(j.cmd, d.state.Snapshot())
	if err != nil {
		d.finish(j, err)
		return
	}

	start := d.nowFunc()
	d.lastStart = start
	d.history.Record(models.CategoryCommand, "command dispatched", commandFields(j.cmd, map[string]any{
		"dispatch_started_at": start.UTC().Format(time.RFC3339Nano),
	}))

	// the write gets its own deadline so shutdown never aborts it midway
	wctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	err = sess.Write(wctx, op)
	cancel()
	metrics.ObserveDispatch(d.nowFunc().Sub(start))

	if err != nil {
		if !errors.Is(err, transport.ErrRejected) {
			d.conn.ReportFault(sess, err)
		}
		d.finish(j, err)
		return
	}
	d.conn.MarkContact()
	d.state.Kick()
	d.finish(j, nil)
}

// finish records and delivers the terminal result.
func (d *Dispatcher) finish(j *job, err error) {
	res := models.CommandResult{CommandID: j.cmd.ID, OK: err == nil}
	extra := map[string]any{"ok": res.OK}
	if err != nil {
		res.Error = err.Error()
		extra["error"] = res.Error
		d.log.Infow("command_failed", "id", j.cmd.ID, "kind", j.cmd.Kind, "origin", j.cmd.Origin, "err", err)
	} else {
		d.log.Debugw("command_ok", "id", j.cmd.ID, "kind", j.cmd.Kind, "origin", j.cmd.Origin)
	}
	metrics.ObserveCommand(string(j.cmd.Kind), string(j.cmd.Origin), res.OK)
	d.history.Record(models.CategoryCommand, "command result", commandFields(j.cmd, extra))
	j.result <- res
}

// toOperation resolves toggles against the current snapshot.
func toOperation(cmd models.Command, snap *models.DeviceSnapshot) (transport.Operation, error) {
	p := cmd.Payload
	switch cmd.Kind {
	case models.KindSetTemperature:
		return transport.Operation{Key: transport.OpSetpoint, Value: *p.Temperature, Units: models.UnitsFahrenheit}, nil

	case models.KindToggleActuator:
		if p.Speed != "" {
			return transport.Operation{Key: transport.OpActuator, Target: p.ActuatorID, Value: p.Speed}, nil
		}
		state := p.State
		if state == "" {
			if snap == nil {
				return transport.Operation{}, ErrStateUnavailable
			}
			a, ok := snap.Actuator(p.ActuatorID)
			if !ok {
				return transport.Operation{}, fmt.Errorf("%w: %q", ErrUnknownActuator, p.ActuatorID)
			}
			state = models.ActuatorOn
			if a.State == models.ActuatorOn {
				state = models.ActuatorOff
			}
		}
		return transport.Operation{Key: transport.OpActuator, Target: p.ActuatorID, Value: state}, nil

	case models.KindToggleLight:
		var on bool
		switch {
		case p.On != nil:
			on = *p.On
		case snap != nil:
			on = !snap.Lights.On
		default:
			return transport.Operation{}, ErrStateUnavailable
		}
		return transport.Operation{Key: transport.OpLight, Target: p.Zone, Value: on, Color: p.Color}, nil
	}
	return transport.Operation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
}

func commandFields(cmd models.Command, extra map[string]any) map[string]any {
	f := map[string]any{
		"id":     cmd.ID,
		"kind":   string(cmd.Kind),
		"origin": string(cmd.Origin),
	}
	if cmd.RuleID != "" {
		f["rule_id"] = cmd.RuleID
	}
	if t := cmd.Payload.Temperature; t != nil {
		f["temperature"] = *t
	}
	if cmd.Payload.ActuatorID != "" {
		f["actuator_id"] = cmd.Payload.ActuatorID
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
