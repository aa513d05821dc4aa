package state

import (
	"math"
	"sync"
	"time"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/config"
)

// Model is the thread-safe pneumatics hardware model.
//
// Mutating operations are expected to be called from a single worker; the
// RWMutex lets telemetry and admin readers take snapshots concurrently.
// Every mutating operation is atomic: on error nothing changes.
type Model struct {
	mu        sync.RWMutex
	cfg       config.SimulationConfig
	state     HardwareState
	sequence  map[string]int64
	scheduler *scheduler
	now       func() time.Time
}

// Option configures a Model
type Option func(*Model)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		m.now = now
	}
}

// NewModel creates a model in its default state
func NewModel(cfg config.SimulationConfig, opts ...Option) *Model {
	m := &Model{
		cfg:       cfg,
		sequence:  make(map[string]int64),
		scheduler: newScheduler(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = m.defaultState()
	return m
}

func (m *Model) defaultState() HardwareState {
	s := HardwareState{
		M1CoverState:          PositionClosed,
		M1VentsState:          PositionClosed,
		MainValveState:        ValveClosed,
		InstrumentValveState:  ValveClosed,
		M1ValveState:          ValveClosed,
		M2ValveState:          ValveClosed,
		M1SetPressure:         m.clamp(m.cfg.M1SetPressure),
		M2SetPressure:         m.clamp(m.cfg.M2SetPressure),
		MainAirSourcePressure: m.clamp(m.cfg.MainPressure),
		CellLoad:              m.cfg.CellLoad,
		PowerOnL1:             true,
		PowerOnL2:             true,
		PowerOnL3:             true,
	}
	derivePressures(&s, m.clamp)
	return s
}

// MaxPressure returns the configured pressure ceiling.
func (m *Model) MaxPressure() float64 {
	return m.cfg.MaxPressure
}

// Snapshot returns a copy of the current state.
func (m *Model) Snapshot() HardwareState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OpenM1Cover starts opening the mirror covers.
func (m *Model) OpenM1Cover() ([]Event, error) {
	return m.startTravel(actuatorM1Cover, PositionOpen)
}

// CloseM1Cover starts closing the mirror covers.
func (m *Model) CloseM1Cover() ([]Event, error) {
	return m.startTravel(actuatorM1Cover, PositionClosed)
}

// OpenM1Vents starts opening the cell vents.
func (m *Model) OpenM1Vents() ([]Event, error) {
	return m.startTravel(actuatorM1Vents, PositionOpen)
}

// CloseM1Vents starts closing the cell vents.
func (m *Model) CloseM1Vents() ([]Event, error) {
	return m.startTravel(actuatorM1Vents, PositionClosed)
}

func (m *Model) startTravel(a actuator, target Position) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.position(a)
	switch {
	case current == PositionFault:
		return nil, rejectf(ErrInvalidTransition, a.String(), "is in FAULT; reset required")
	case current.Moving():
		return nil, rejectf(ErrInvalidTransition, a.String(), "is already %s", current)
	case current == target:
		return nil, rejectf(ErrInvalidTransition, a.String(), "is already %s", current)
	}

	moving := PositionOpening
	if target == PositionClosed {
		moving = PositionClosing
	}
	m.setPosition(a, moving)
	m.scheduler.schedule(a, target, m.now().Add(m.travelTime(a, target)))

	return []Event{m.positionEvent(a)}, nil
}

// OpenMainValve opens the main air supply.
func (m *Model) OpenMainValve() ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.MainValveState == ValveOpen {
		return nil, rejectf(ErrInvalidTransition, "main valve", "is already OPEN")
	}
	m.state.MainValveState = ValveOpen
	m.recompute()
	return []Event{m.valveEvent(TopicMainValveState, ValveOpen)}, nil
}

// CloseMainValve closes the main air supply. Covers still travelling lose
// air and fault.
func (m *Model) CloseMainValve() ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.MainValveState == ValveClosed {
		return nil, rejectf(ErrInvalidTransition, "main valve", "is already CLOSED")
	}
	m.state.MainValveState = ValveClosed
	m.recompute()
	events := []Event{m.valveEvent(TopicMainValveState, ValveClosed)}

	if m.state.M1CoverState.Moving() {
		m.scheduler.cancel(actuatorM1Cover)
		m.state.M1CoverState = PositionFault
		events = append(events, m.positionEvent(actuatorM1Cover))
	}
	return events, nil
}

// OpenInstrumentValve opens the instrument air valve; the main supply must be open.
func (m *Model) OpenInstrumentValve() ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.MainValveState != ValveOpen {
		return nil, rejectf(ErrInterlockViolation, "instrument valve", "requires the main valve OPEN")
	}
	if m.state.InstrumentValveState == ValveOpen {
		return nil, rejectf(ErrInvalidTransition, "instrument valve", "is already OPEN")
	}
	m.state.InstrumentValveState = ValveOpen
	m.recompute()
	return []Event{m.valveEvent(TopicInstrumentState, ValveOpen)}, nil
}

// CloseInstrumentValve closes the instrument air valve.
func (m *Model) CloseInstrumentValve() ([]Event, error) {
	return m.setValve(&m.state.InstrumentValveState, "instrument valve", TopicInstrumentState, ValveClosed)
}

// OpenM1Valve opens the M1 air valve.
func (m *Model) OpenM1Valve() ([]Event, error) {
	return m.setValve(&m.state.M1ValveState, "m1 valve", TopicM1State, ValveOpen)
}

// CloseM1Valve closes the M1 air valve.
func (m *Model) CloseM1Valve() ([]Event, error) {
	return m.setValve(&m.state.M1ValveState, "m1 valve", TopicM1State, ValveClosed)
}

// OpenM2Valve opens the M2 air valve.
func (m *Model) OpenM2Valve() ([]Event, error) {
	return m.setValve(&m.state.M2ValveState, "m2 valve", TopicM2State, ValveOpen)
}

// CloseM2Valve closes the M2 air valve.
func (m *Model) CloseM2Valve() ([]Event, error) {
	return m.setValve(&m.state.M2ValveState, "m2 valve", TopicM2State, ValveClosed)
}

func (m *Model) setValve(field *ValveState, name, topic string, target ValveState) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if *field == target {
		return nil, rejectf(ErrInvalidTransition, name, "is already %s", target)
	}
	*field = target
	m.recompute()
	return []Event{m.valveEvent(topic, target)}, nil
}

// SetM1Pressure sets the M1 pressure target.
func (m *Model) SetM1Pressure(value float64) ([]Event, error) {
	return m.setPressure(&m.state.M1SetPressure, "m1 pressure", TopicM1SetPressure, value)
}

// SetM2Pressure sets the M2 pressure target.
func (m *Model) SetM2Pressure(value float64) ([]Event, error) {
	return m.setPressure(&m.state.M2SetPressure, "m2 pressure", TopicM2SetPressure, value)
}

func (m *Model) setPressure(field *float64, name, topic string, value float64) ([]Event, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 || value > m.cfg.MaxPressure {
		return nil, rejectf(ErrOutOfRange, name, "%v outside [0, %v]", value, m.cfg.MaxPressure)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	*field = value
	m.recompute()
	return []Event{m.emit(topic, map[string]interface{}{"pressure": value})}, nil
}

// Reset cancels pending travel and restores the defaults. It returns the
// full status so clients see every topic at its reset value.
func (m *Model) Reset() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scheduler.cancelAll()
	m.state = m.defaultState()
	return m.statusEvents()
}

// StatusEvents emits the current value of every event topic.
func (m *Model) StatusEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusEvents()
}

func (m *Model) statusEvents() []Event {
	events := make([]Event, 0, len(Topics))
	for _, topic := range Topics {
		events = append(events, m.topicEvent(topic))
	}
	return events
}

// NextDue returns when the earliest pending travel completes.
func (m *Model) NextDue() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scheduler.next()
}

// Pending returns the number of travels in progress.
func (m *Model) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scheduler.queue)
}

// Advance completes every travel due at or before now, in due order.
func (m *Model) Advance(now time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	for _, t := range m.scheduler.popDue(now) {
		m.setPosition(t.actuator, t.target)
		events = append(events, m.positionEvent(t.actuator))
	}
	return events
}

// Now returns the model clock.
func (m *Model) Now() time.Time {
	return m.now()
}

func (m *Model) position(a actuator) Position {
	if a == actuatorM1Cover {
		return m.state.M1CoverState
	}
	return m.state.M1VentsState
}

func (m *Model) setPosition(a actuator, p Position) {
	if a == actuatorM1Cover {
		m.state.M1CoverState = p
	} else {
		m.state.M1VentsState = p
	}
}

func (m *Model) travelTime(a actuator, target Position) time.Duration {
	travel := m.cfg.Travel
	switch {
	case a == actuatorM1Cover && target == PositionOpen:
		return config.Seconds(travel.M1CoverOpenSec)
	case a == actuatorM1Cover:
		return config.Seconds(travel.M1CoverCloseSec)
	case target == PositionOpen:
		return config.Seconds(travel.M1VentsOpenSec)
	default:
		return config.Seconds(travel.M1VentsCloseSec)
	}
}

func (m *Model) recompute() {
	derivePressures(&m.state, m.clamp)
}

func (m *Model) clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, m.cfg.MaxPressure)
}

// derivePressures sets the measured pressures from the valve line-up.
func derivePressures(s *HardwareState, clamp func(float64) float64) {
	mainOpen := s.MainValveState == ValveOpen

	s.M1AirPressure = 0
	if mainOpen && s.M1ValveState == ValveOpen {
		s.M1AirPressure = clamp(s.M1SetPressure)
	}
	s.M2AirPressure = 0
	if mainOpen && s.M2ValveState == ValveOpen {
		s.M2AirPressure = clamp(s.M2SetPressure)
	}
	s.InstrumentAirPressure = 0
	if mainOpen && s.InstrumentValveState == ValveOpen {
		s.InstrumentAirPressure = clamp(s.MainAirSourcePressure)
	}
}

func (m *Model) emit(topic string, fields map[string]interface{}) Event {
	m.sequence[topic]++
	return Event{Topic: topic, SequenceNumber: m.sequence[topic], Fields: fields}
}

func (m *Model) positionEvent(a actuator) Event {
	p := m.position(a)
	topic := TopicM1VentsState
	if a == actuatorM1Cover {
		topic = TopicM1CoverState
	}
	return m.emit(topic, map[string]interface{}{
		"state":        string(p),
		"closedActive": p == PositionClosed,
		"openedActive": p == PositionOpen,
	})
}

func (m *Model) valveEvent(topic string, v ValveState) Event {
	return m.emit(topic, map[string]interface{}{"state": string(v)})
}

func (m *Model) topicEvent(topic string) Event {
	s := m.state
	switch topic {
	case TopicM1CoverState:
		return m.positionEvent(actuatorM1Cover)
	case TopicM1VentsState:
		return m.positionEvent(actuatorM1Vents)
	case TopicMainValveState:
		return m.valveEvent(topic, s.MainValveState)
	case TopicInstrumentState:
		return m.valveEvent(topic, s.InstrumentValveState)
	case TopicM1State:
		return m.valveEvent(topic, s.M1ValveState)
	case TopicM2State:
		return m.valveEvent(topic, s.M2ValveState)
	case TopicM1SetPressure:
		return m.emit(topic, map[string]interface{}{"pressure": s.M1SetPressure})
	case TopicM2SetPressure:
		return m.emit(topic, map[string]interface{}{"pressure": s.M2SetPressure})
	case TopicEStop:
		return m.emit(topic, map[string]interface{}{"triggered": s.EStop})
	default:
		return m.emit(TopicPowerStatus, map[string]interface{}{
			"powerOnL1": s.PowerOnL1,
			"powerOnL2": s.PowerOnL2,
			"powerOnL3": s.PowerOnL3,
		})
	}
}
