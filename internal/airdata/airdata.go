// Package airdata turns absolute pressure, differential pressure and
// temperature samples into airspeed and barometric altitude.
//
// A Module is single-writer: its handlers (invoked by the sensor bus),
// Periodic, SetQNH and the accessors other than Snapshot must all be called
// from the same goroutine, typically the control loop. Snapshot is safe to
// call from any goroutine.
package airdata

import (
	"fmt"
	"sync"

	"airdata-ng/internal/bus"
	"airdata-ng/internal/isa"
)

// DefaultHealthTicks is the number of watchdog ticks an absolute-pressure
// sample keeps the barometer considered alive.
const DefaultHealthTicks = 10

// Position is an absolute (global) position estimate.
type Position struct {
	LatDeg float64
	LonDeg float64
	AltM   float64 // above mean sea level
}

// VehicleState is the vehicle state estimator as seen from air data: a source
// of absolute position and a sink for computed airspeed.
type VehicleState interface {
	// GlobalPosition returns the current position estimate and whether it is
	// a valid global-coordinate fix.
	GlobalPosition() (Position, bool)
	// SetAirspeed publishes a new airspeed (m/s). It must not block.
	SetAirspeed(mps float64)
}

type Config struct {
	// Sources bound for each subscription; bus.Broadcast accepts any sensor.
	BaroAbsID     bus.SourceID
	BaroDiffID    bus.SourceID
	TemperatureID bus.SourceID

	CalcAirspeed  bool
	CalcTASFactor bool
	CalcAMSLBaro  bool

	// TASFactor is used until the first recompute from temperature.
	TASFactor float64
	// HealthTicks re-arms the barometer watchdog on every pressure sample.
	HealthTicks uint8
}

// DefaultConfig binds every stream to any source, derives airspeed and the
// TAS factor, and leaves barometric AMSL off.
func DefaultConfig() Config {
	return Config{
		BaroAbsID:     bus.Broadcast,
		BaroDiffID:    bus.Broadcast,
		TemperatureID: bus.Broadcast,
		CalcAirspeed:  true,
		CalcTASFactor: true,
		CalcAMSLBaro:  false,
		TASFactor:     1.0,
		HealthTicks:   DefaultHealthTicks,
	}
}

type Module struct {
	cfg     Config
	vehicle VehicleState

	st            State
	qnhSet        bool
	healthCounter uint8
	eas           float64

	nAbs, nDiff, nTemp uint64

	mu   sync.RWMutex
	snap Snapshot
}

// New creates the module and binds its three handlers on sb.
func New(cfg Config, sb bus.SensorBus, vehicle VehicleState) (*Module, error) {
	if sb == nil {
		return nil, fmt.Errorf("airdata: sensor bus is nil")
	}
	if vehicle == nil {
		return nil, fmt.Errorf("airdata: vehicle state is nil")
	}
	if cfg.TASFactor <= 0 || !finite(cfg.TASFactor) {
		cfg.TASFactor = 1.0
	}
	if cfg.HealthTicks == 0 {
		cfg.HealthTicks = DefaultHealthTicks
	}

	m := &Module{cfg: cfg, vehicle: vehicle}
	m.st = State{
		TASFactor:     cfg.TASFactor,
		CalcAirspeed:  cfg.CalcAirspeed,
		CalcTASFactor: cfg.CalcTASFactor,
		CalcAMSLBaro:  cfg.CalcAMSLBaro,
		CalcQNHOnce:   true,
	}

	if err := sb.Subscribe(bus.BaroAbs, cfg.BaroAbsID, m.onPressureAbs); err != nil {
		return nil, fmt.Errorf("airdata: bind absolute pressure: %w", err)
	}
	if err := sb.Subscribe(bus.BaroDiff, cfg.BaroDiffID, m.onPressureDiff); err != nil {
		return nil, fmt.Errorf("airdata: bind differential pressure: %w", err)
	}
	if err := sb.Subscribe(bus.Temperature, cfg.TemperatureID, m.onTemperature); err != nil {
		return nil, fmt.Errorf("airdata: bind temperature: %w", err)
	}
	m.publish()
	return m, nil
}

func (m *Module) onPressureAbs(_ bus.SourceID, pressure float64) {
	m.st.Pressure = pressure
	m.nAbs++

	// One-shot QNH from the first trusted absolute altitude.
	if m.st.CalcQNHOnce {
		if pos, ok := m.vehicle.GlobalPosition(); ok {
			m.st.QNH = isa.RefPressureOfHeight(m.st.Pressure, pos.AltM) / 100
			m.st.CalcQNHOnce = false
			m.qnhSet = true
		}
	}

	if m.st.CalcAMSLBaro && m.qnhSet {
		if h := isa.HeightOfPressure(m.st.Pressure, m.st.QNH*100); finite(h) {
			m.st.AMSLBaro = h
			m.st.AMSLBaroValid = true
		}
	}

	m.healthCounter = m.cfg.HealthTicks
	m.publish()
}

func (m *Module) onPressureDiff(_ bus.SourceID, pressure float64) {
	m.st.Differential = pressure
	m.nDiff++
	if m.st.CalcAirspeed {
		eas := EASFromDynamicPressure(m.st.Differential)
		tas := TASFromEAS(m.st.TASFactor, eas)
		if finite(tas) {
			m.eas = eas
			m.st.Airspeed = tas
			m.vehicle.SetAirspeed(m.st.Airspeed)
		}
	}
	m.publish()
}

func (m *Module) onTemperature(_ bus.SourceID, temp float64) {
	m.st.Temperature = temp
	m.nTemp++
	if m.st.CalcTASFactor && m.healthCounter > 0 {
		if f := TASFactor(m.st.Pressure, m.st.Temperature); finite(f) {
			m.st.TASFactor = f
		}
	}
	m.publish()
}

// Periodic is the barometer watchdog. Call it at a fixed rate; once
// HealthTicks ticks pass without an absolute-pressure sample, the next tick
// marks barometric altitude invalid.
func (m *Module) Periodic() {
	if m.healthCounter > 0 {
		m.healthCounter--
	} else {
		m.st.AMSLBaroValid = false
	}
	m.publish()
}

// AMSL returns the barometric altitude when it is valid, and the vehicle
// state's altitude otherwise. The fallback is evaluated on every call. Safe
// for concurrent use as long as the vehicle state is.
func (m *Module) AMSL() float64 {
	m.mu.RLock()
	snap := m.snap
	m.mu.RUnlock()
	return m.amslOf(snap)
}

func (m *Module) amslOf(s Snapshot) float64 {
	if s.AMSLBaroValid {
		return s.AMSLBaro
	}
	pos, _ := m.vehicle.GlobalPosition()
	return pos.AltM
}

// SetQNH sets the sea-level reference pressure (hPa), e.g. from an operator
// command. The automatic one-shot calibration stays armed if it has not
// fired yet and will overwrite this value on the first position fix.
func (m *Module) SetQNH(hpa float64) {
	m.st.QNH = hpa
	m.qnhSet = true
	m.publish()
}

// QNH returns the reference pressure (hPa) and whether it has been set.
func (m *Module) QNH() (float64, bool) {
	return m.st.QNH, m.qnhSet
}

// TASFromEAS converts equivalent to true airspeed with the current TAS factor.
func (m *Module) TASFromEAS(eas float64) float64 {
	return TASFromEAS(m.st.TASFactor, eas)
}

// TASFromDynamicPressure returns true airspeed (m/s) from dynamic pressure (Pa)
// with the current TAS factor.
func (m *Module) TASFromDynamicPressure(q float64) float64 {
	return m.TASFromEAS(EASFromDynamicPressure(q))
}

// Airspeed returns the latest true airspeed (m/s).
func (m *Module) Airspeed() float64 { return m.st.Airspeed }

// State returns a copy of the air-data record.
func (m *Module) State() State { return m.st }

// BaroHealthy reports whether absolute-pressure samples are arriving within
// the watchdog window.
func (m *Module) BaroHealthy() bool { return m.healthCounter > 0 }

// Snapshot returns the last published copy of the state with AMSL resolved
// at call time. Safe for concurrent use.
func (m *Module) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	snap := m.snap
	m.mu.RUnlock()
	snap.AMSL = m.amslOf(snap)
	return snap
}

func (m *Module) publish() {
	m.mu.Lock()
	m.snap = Snapshot{
		Pressure:            m.st.Pressure,
		Differential:        m.st.Differential,
		Temperature:         m.st.Temperature,
		QNH:                 m.st.QNH,
		QNHSet:              m.qnhSet,
		AMSLBaro:            m.st.AMSLBaro,
		AMSLBaroValid:       m.st.AMSLBaroValid,
		EAS:                 m.eas,
		Airspeed:            m.st.Airspeed,
		TASFactor:           m.st.TASFactor,
		CalcAirspeed:        m.st.CalcAirspeed,
		CalcTASFactor:       m.st.CalcTASFactor,
		CalcAMSLBaro:        m.st.CalcAMSLBaro,
		CalcQNHOnce:         m.st.CalcQNHOnce,
		HealthCounter:       m.healthCounter,
		BaroHealthy:         m.healthCounter > 0,
		PressureSamples:     m.nAbs,
		DifferentialSamples: m.nDiff,
		TemperatureSamples:  m.nTemp,
	}
	m.mu.Unlock()
}
