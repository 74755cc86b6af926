package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ----------- Simulation constants -----------
const (
	AmbientF          = 70.0  // air temperature the water drifts toward
	HeatRateFPerSec   = 0.02  // heater gain
	CoolRateFPerSec   = 0.005 // passive loss toward ambient
	HeatToleranceF    = 0.5   // heater hysteresis band
	defaultMinSPF     = 59.0
	defaultMaxSPF     = 104.0
	defaultSimAddress = "127.0.0.1"
	defaultSimID      = "SIM000000001"
)

// SimulatorConfig seeds a simulated controller.
type SimulatorConfig struct {
	Address    string
	HardwareID string
	Name       string
	Units      string // F | C, units the controller reports in
	WaterF     float64
	SetpointF  float64
	Pumps      int
	Lights     bool
}

type simPump struct {
	key  string
	name string
	on   bool
	mode string
}

// Simulator is an in-process spa controller. It advances its water temperature on each read
// and exposes fault hooks so callers can exercise every failure path of a real device.
type Simulator struct {
	mu sync.Mutex

	cfg       SimulatorConfig
	waterF    float64
	setpointF float64
	heating   bool
	pumps     []simPump
	lightOn   bool
	color     string
	errorCode string
	lastStep  time.Time

	discoverErr error
	connectErr  error
	readErr     error
	writeErr    error
	corrupt     int

	writes   []Operation
	sessions int

	nowFunc func() time.Time
}

var _ Transport = (*Simulator)(nil)

// NewSimulator returns a simulator with defaults applied.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Address == "" {
		cfg.Address = defaultSimAddress
	}
	if cfg.HardwareID == "" {
		cfg.HardwareID = defaultSimID
	}
	if cfg.Name == "" {
		cfg.Name = "Simulated Spa"
	}
	if cfg.SetpointF == 0 {
		cfg.SetpointF = 100
	}
	if cfg.WaterF == 0 {
		cfg.WaterF = cfg.SetpointF - 4
	}
	s := &Simulator{
		cfg:       cfg,
		waterF:    cfg.WaterF,
		setpointF: cfg.SetpointF,
		nowFunc:   time.Now,
	}
	for i := 1; i <= cfg.Pumps; i++ {
		s.pumps = append(s.pumps, simPump{key: fmt.Sprintf("pump%d", i), name: fmt.Sprintf("Pump %d", i)})
	}
	return s
}

// SetNowFunc overrides the time source (for testing).
func (s *Simulator) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// SetDiscoverError makes Discover and DiscoverByID fail with err until cleared with nil.
func (s *Simulator) SetDiscoverError(err error) { s.set(&s.discoverErr, err) }

// SetConnectError makes Connect fail with err until cleared with nil.
func (s *Simulator) SetConnectError(err error) { s.set(&s.connectErr, err) }

// SetReadError makes session reads fail with err until cleared with nil.
func (s *Simulator) SetReadError(err error) { s.set(&s.readErr, err) }

// SetWriteError makes session writes fail with err until cleared with nil.
func (s *Simulator) SetWriteError(err error) { s.set(&s.writeErr, err) }

// CorruptReads makes the next n reads return truncated frames.
func (s *Simulator) CorruptReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = n
}

// SetErrorCode raises a controller fault string such as "FLO,HL"; "" clears it.
func (s *Simulator) SetErrorCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCode = code
}

// Writes returns every operation the simulator accepted, in order.
func (s *Simulator) Writes() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.writes...)
}

// Sessions returns how many sessions have been opened.
func (s *Simulator) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Simulator) set(dst *error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*dst = err
}

func (s *Simulator) endpoint() Endpoint {
	return Endpoint{Address: s.cfg.Address, HardwareID: s.cfg.HardwareID, Name: s.cfg.Name}
}

func (s *Simulator) Discover(ctx context.Context, address string) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discoverErr != nil {
		return Endpoint{}, s.discoverErr
	}
	if address != s.cfg.Address {
		return Endpoint{}, fmt.Errorf("%w at %s", ErrNotFound, address)
	}
	return s.endpoint(), nil
}

func (s *Simulator) DiscoverByID(ctx context.Context, hardwareID string) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discoverErr != nil {
		return Endpoint{}, s.discoverErr
	}
	if !strings.EqualFold(hardwareID, s.cfg.HardwareID) {
		return Endpoint{}, fmt.Errorf("%w with id %s", ErrNotFound, hardwareID)
	}
	return s.endpoint(), nil
}

func (s *Simulator) Connect(ctx context.Context, ep Endpoint) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	if ep.HardwareID != s.cfg.HardwareID {
		return nil, fmt.Errorf("%w: endpoint %s", ErrNotFound, ep.HardwareID)
	}
	s.sessions++
	s.lastStep = s.nowFunc()
	return &simSession{sim: s}, nil
}

// step advances the water temperature by the time elapsed since the previous step.
func (s *Simulator) step(now time.Time) {
	elapsed := now.Sub(s.lastStep).Seconds()
	s.lastStep = now
	if elapsed <= 0 {
		return
	}
	switch {
	case s.waterF < s.setpointF-HeatToleranceF:
		s.heating = true
	case s.waterF >= s.setpointF:
		s.heating = false
	}
	if s.heating {
		s.waterF = minFloat(s.waterF+HeatRateFPerSec*elapsed, s.setpointF)
		return
	}
	if s.waterF > AmbientF {
		s.waterF = maxFloat(s.waterF-CoolRateFPerSec*elapsed, AmbientF)
	}
}

func (s *Simulator) frame() Frame {
	conv := func(f float64) float64 { return f }
	units := "F"
	if strings.EqualFold(s.cfg.Units, "C") {
		units = "C"
		conv = func(f float64) float64 { return (f - 32) * 5 / 9 }
	}
	f := Frame{
		Accessors: map[string]any{
			KeyTempUnits:     units,
			KeyDisplayedTemp: round1(conv(s.waterF)),
			KeyRealSetpoint:  round1(conv(s.setpointF)),
			KeyMinSetpoint:   round1(conv(defaultMinSPF)),
			KeyMaxSetpoint:   round1(conv(defaultMaxSPF)),
			KeyHeating:       s.heating,
		},
		ErrorState: s.errorCode,
		Pumps:      make([]FramePump, 0, len(s.pumps)),
	}
	if f.ErrorState == "" {
		f.ErrorState = "None"
	}
	for _, p := range s.pumps {
		f.Pumps = append(f.Pumps, FramePump{Key: p.key, Name: p.name, On: p.on, Mode: p.mode})
	}
	if s.cfg.Lights {
		f.Lights = []FrameLight{{Key: "LI", Name: "Lights", On: s.lightOn, Color: s.color}}
	}
	return f
}

func (s *Simulator) apply(op Operation) error {
	switch op.Key {
	case OpSetpoint:
		v, ok := op.Value.(float64)
		if !ok {
			return fmt.Errorf("%w: setpoint value %T", ErrRejected, op.Value)
		}
		if strings.EqualFold(op.Units, "C") {
			v = v*9/5 + 32
		}
		if v < defaultMinSPF || v > defaultMaxSPF {
			return fmt.Errorf("%w: setpoint %.1f outside %.0f..%.0f", ErrRejected, v, defaultMinSPF, defaultMaxSPF)
		}
		s.setpointF = v
	case OpActuator:
		for i := range s.pumps {
			if s.pumps[i].key != op.Target {
				continue
			}
			v, _ := op.Value.(string)
			switch strings.ToLower(v) {
			case "off":
				s.pumps[i].on, s.pumps[i].mode = false, ""
			case "on":
				s.pumps[i].on = true
			default:
				s.pumps[i].on, s.pumps[i].mode = true, strings.ToUpper(v)
			}
			return nil
		}
		return fmt.Errorf("%w: unknown pump %q", ErrRejected, op.Target)
	case OpLight:
		if !s.cfg.Lights {
			return fmt.Errorf("%w: no lights", ErrRejected)
		}
		on, ok := op.Value.(bool)
		if !ok {
			return fmt.Errorf("%w: light value %T", ErrRejected, op.Value)
		}
		s.lightOn = on
		if op.Color != "" {
			s.color = op.Color
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrRejected, op.Key)
	}
	return nil
}

type simSession struct {
	sim    *Simulator
	mu     sync.Mutex
	closed bool
}

func (c *simSession) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *simSession) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrSessionClosed
	}
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	s.step(s.nowFunc())
	b, err := json.Marshal(s.frame())
	if err != nil {
		return nil, err
	}
	if s.corrupt > 0 {
		s.corrupt--
		return b[:len(b)/2], nil
	}
	return b, nil
}

func (c *simSession) Write(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrSessionClosed
	}
	s := c.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if err := s.apply(op); err != nil {
		return err
	}
	s.writes = append(s.writes, op)
	return nil
}

func (c *simSession) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// helpers
func maxFloat(a, b float64) float64 {
	if a >= b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a <= b {
		return a
	}
	return b
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int(v*10-0.5)) / 10
	}
	return float64(int(v*10+0.5)) / 10
}
