package device

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/adrianco/consciousness-sub000/internal/sensor"
	"github.com/adrianco/consciousness-sub000/internal/state"
)

// Sim is an in-process simulated device used by `safla run` when no real
// adapter is wired, and by tests that need a device with observable
// state. It models a room with a thermostat: temperature drifts toward an
// ambient value and responds to setpoint commands.
type Sim struct {
	mu        sync.Mutex
	id        string
	attrs     state.State
	ambient   float64
	started   time.Time
	subs      []chan<- StateEvent
	execErr   error // when set, Execute fails with it (test hook)
	execDelay time.Duration
}

// NewSim creates a simulated device with the given starting attributes.
func NewSim(id string, attrs state.State, ambient float64) *Sim {
	return &Sim{
		id:      id,
		attrs:   attrs.Clone(),
		ambient: ambient,
		started: time.Now(),
	}
}

// ID implements Adapter.
func (s *Sim) ID() string { return s.id }

// Read implements Adapter. It reports temperature with a slow sinusoidal
// drift around the ambient value so the analyzer has something periodic
// to find.
func (s *Sim) Read(ctx context.Context) ([]sensor.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.started).Seconds()
	temp := s.ambient + 1.5*math.Sin(elapsed/30*2*math.Pi)
	if cur, ok := state.AsFloat(s.attrs["temperature"]); ok {
		temp = cur + 0.2*(temp-cur)
	}
	s.attrs["temperature"] = state.Float(temp)

	return []sensor.Reading{
		{
			SensorID:  s.id + ":temperature",
			Type:      "temperature",
			Value:     temp,
			Unit:      "C",
			Timestamp: now,
			Quality:   sensor.QualityHigh,
		},
	}, nil
}

// Execute implements Adapter. Commands set attributes directly.
func (s *Sim) Execute(ctx context.Context, cmd Command) (Result, error) {
	if s.execDelay > 0 {
		select {
		case <-time.After(s.execDelay):
		case <-ctx.Done():
			return Result{ActionID: cmd.ActionID}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.execErr != nil {
		err := s.execErr
		s.execErr = nil
		return Result{ActionID: cmd.ActionID, Detail: err.Error()}, err
	}

	for k, v := range cmd.Params {
		s.attrs[k] = v
	}
	res := Result{ActionID: cmd.ActionID, OK: true, Completed: time.Now()}
	s.notifyLocked()
	return res, nil
}

// GetState implements Adapter.
func (s *Sim) GetState(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{DeviceID: s.id, Attrs: s.attrs.Clone(), ReportedAt: time.Now()}, nil
}

// Subscribe implements Adapter.
func (s *Sim) Subscribe(ch chan<- StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
}

// SetAttr mutates the simulated device directly, bypassing the command
// path. Used to model external/manual changes in tests and scenarios.
func (s *Sim) SetAttr(key string, v state.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = v
	s.notifyLocked()
}

// FailNext makes the next Execute call fail, then clears itself. Test
// hook for rollback paths; the rollback command itself goes through.
func (s *Sim) FailNext(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execErr = fmt.Errorf("%s", detail)
}

func (s *Sim) notifyLocked() {
	ev := StateEvent{State: State{DeviceID: s.id, Attrs: s.attrs.Clone(), ReportedAt: time.Now()}}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Subscribers must keep up; dropping beats blocking the device.
		}
	}
}
