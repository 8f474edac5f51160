package airdata

import (
	"math"
	"testing"

	"airdata-ng/internal/bus"
	"airdata-ng/internal/isa"
)

type fakeVehicle struct {
	pos       Position
	valid     bool
	airspeeds []float64
}

func (v *fakeVehicle) GlobalPosition() (Position, bool) { return v.pos, v.valid }

func (v *fakeVehicle) SetAirspeed(mps float64) { v.airspeeds = append(v.airspeeds, mps) }

func newTestModule(t *testing.T, cfg Config) (*Module, *bus.Bus, *fakeVehicle) {
	t.Helper()
	b := bus.New(16)
	v := &fakeVehicle{}
	m, err := New(cfg, b, v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, b, v
}

func pressure(b *bus.Bus, pa float64) {
	b.Publish(bus.Sample{Topic: bus.BaroAbs, Source: 1, Value: pa})
}

func differential(b *bus.Bus, pa float64) {
	b.Publish(bus.Sample{Topic: bus.BaroDiff, Source: 2, Value: pa})
}

func temperature(b *bus.Bus, c float64) {
	b.Publish(bus.Sample{Topic: bus.Temperature, Source: 1, Value: c})
}

func amslConfig() Config {
	cfg := DefaultConfig()
	cfg.CalcAMSLBaro = true
	return cfg
}

func TestNew_RejectsNilCollaborators(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, &fakeVehicle{}); err == nil {
		t.Fatalf("expected error for nil bus")
	}
	if _, err := New(DefaultConfig(), bus.New(1), nil); err == nil {
		t.Fatalf("expected error for nil vehicle")
	}
}

func TestNew_Defaults(t *testing.T) {
	m, _, _ := newTestModule(t, Config{})
	st := m.State()
	if st.TASFactor != 1.0 {
		t.Fatalf("tas_factor=%v want 1", st.TASFactor)
	}
	if !st.CalcQNHOnce {
		t.Fatalf("expected calc_qnh_once armed")
	}
	if st.AMSLBaroValid {
		t.Fatalf("expected amsl invalid at start")
	}
	if _, set := m.QNH(); set {
		t.Fatalf("expected qnh unset at start")
	}
	if m.BaroHealthy() {
		t.Fatalf("expected watchdog disarmed at start")
	}
}

func TestDifferential_ComputesAirspeedAndPushes(t *testing.T) {
	m, b, v := newTestModule(t, DefaultConfig())

	differential(b, 500)

	want := m.State().TASFactor * EASFromDynamicPressure(500)
	if math.Abs(m.Airspeed()-want) > 1e-12 {
		t.Fatalf("airspeed=%v want %v", m.Airspeed(), want)
	}
	if got := m.TASFromDynamicPressure(500); math.Abs(got-want) > 1e-12 {
		t.Fatalf("TASFromDynamicPressure=%v want %v", got, want)
	}
	if len(v.airspeeds) != 1 || v.airspeeds[0] != m.Airspeed() {
		t.Fatalf("pushed=%v want [%v]", v.airspeeds, m.Airspeed())
	}
}

func TestDifferential_NegativeGivesZeroAirspeed(t *testing.T) {
	m, b, v := newTestModule(t, DefaultConfig())
	differential(b, -3.5)
	if m.Airspeed() != 0 {
		t.Fatalf("airspeed=%v want 0", m.Airspeed())
	}
	if len(v.airspeeds) != 1 || v.airspeeds[0] != 0 {
		t.Fatalf("pushed=%v want [0]", v.airspeeds)
	}
}

func TestDifferential_CalcAirspeedDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CalcAirspeed = false
	m, b, v := newTestModule(t, cfg)

	differential(b, 500)
	if m.State().Differential != 500 {
		t.Fatalf("differential not stored")
	}
	if m.Airspeed() != 0 || len(v.airspeeds) != 0 {
		t.Fatalf("expected no airspeed computation")
	}
}

func TestScenario_SeaLevelStandard(t *testing.T) {
	m, b, _ := newTestModule(t, DefaultConfig())

	pressure(b, 101325)
	temperature(b, 15)
	differential(b, 500)

	snap := m.Snapshot()
	if math.Abs(snap.EAS-28.57) > 0.01 {
		t.Fatalf("eas=%v want ~28.6", snap.EAS)
	}
	if math.Abs(snap.TASFactor-1.0) > 0.005 {
		t.Fatalf("tas_factor=%v want ~1.0", snap.TASFactor)
	}
	if math.Abs(snap.Airspeed-snap.EAS) > 0.1 {
		t.Fatalf("tas=%v eas=%v want tas ~ eas", snap.Airspeed, snap.EAS)
	}
}

func TestTemperature_RequiresHealthyBaro(t *testing.T) {
	m, b, _ := newTestModule(t, DefaultConfig())

	// No pressure sample yet: counter is zero, factor stays at default.
	temperature(b, -20)
	if m.State().TASFactor != 1.0 {
		t.Fatalf("tas_factor=%v want default", m.State().TASFactor)
	}

	pressure(b, 80000)
	temperature(b, -5)
	want := TASFactor(80000, -5)
	if m.State().TASFactor != want {
		t.Fatalf("tas_factor=%v want %v", m.State().TASFactor, want)
	}

	for i := 0; i < DefaultHealthTicks; i++ {
		m.Periodic()
	}
	temperature(b, 30)
	if m.State().TASFactor != want {
		t.Fatalf("tas_factor changed with stale baro: %v", m.State().TASFactor)
	}
	if m.State().Temperature != 30 {
		t.Fatalf("temperature not stored")
	}
}

func TestTemperature_CalcTASFactorDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CalcTASFactor = false
	cfg.TASFactor = 1.1
	m, b, _ := newTestModule(t, cfg)

	pressure(b, 70000)
	temperature(b, 0)
	if m.State().TASFactor != 1.1 {
		t.Fatalf("tas_factor=%v want 1.1", m.State().TASFactor)
	}
}

func TestTemperature_NonFiniteFactorIgnored(t *testing.T) {
	m, b, _ := newTestModule(t, DefaultConfig())
	pressure(b, 0)
	temperature(b, 15)
	if m.State().TASFactor != 1.0 {
		t.Fatalf("tas_factor=%v want default", m.State().TASFactor)
	}
}

func TestCalibration_FiresExactlyOnceOnFirstFix(t *testing.T) {
	m, b, v := newTestModule(t, amslConfig())

	for i := 0; i < 5; i++ {
		pressure(b, 98000)
		if _, set := m.QNH(); set {
			t.Fatalf("qnh set without a fix (sample %d)", i)
		}
		if !m.State().CalcQNHOnce {
			t.Fatalf("latch released without a fix")
		}
		if m.State().AMSLBaroValid {
			t.Fatalf("amsl valid without qnh")
		}
	}

	const qnhPa = 102100.0
	v.pos = Position{LatDeg: 47.4, LonDeg: 8.5, AltM: 420}
	v.valid = true
	pressure(b, isa.PressureOfHeight(420, qnhPa))

	qnh, set := m.QNH()
	if !set {
		t.Fatalf("expected qnh set on the first fixed sample")
	}
	if math.Abs(qnh-qnhPa/100) > 1e-6 {
		t.Fatalf("qnh=%v want %v", qnh, qnhPa/100)
	}
	if m.State().CalcQNHOnce {
		t.Fatalf("expected latch released")
	}
	if !m.State().AMSLBaroValid || math.Abs(m.State().AMSLBaro-420) > 1e-6 {
		t.Fatalf("amsl=%v valid=%v want 420 valid", m.State().AMSLBaro, m.State().AMSLBaroValid)
	}

	// A later, different fix must not recalibrate.
	v.pos.AltM = 1500
	pressure(b, 90000)
	if got, _ := m.QNH(); got != qnh {
		t.Fatalf("qnh recomputed: %v want %v", got, qnh)
	}
	if m.State().CalcQNHOnce {
		t.Fatalf("latch re-armed")
	}
}

func TestCalibration_WithoutAMSLStillCalibrates(t *testing.T) {
	m, b, v := newTestModule(t, DefaultConfig())
	v.valid = true
	pressure(b, isa.SeaLevelPressure)

	if qnh, set := m.QNH(); !set || math.Abs(qnh-1013.25) > 1e-9 {
		t.Fatalf("qnh=%v set=%v want 1013.25", qnh, set)
	}
	if m.State().AMSLBaroValid {
		t.Fatalf("amsl must stay invalid when calc_amsl_baro is off")
	}
}

func TestWatchdog_InvalidatesAfterWindow(t *testing.T) {
	m, b, _ := newTestModule(t, amslConfig())
	m.SetQNH(1013.25)
	pressure(b, 95000)
	if !m.State().AMSLBaroValid {
		t.Fatalf("expected valid amsl after sample")
	}

	for i := 0; i < DefaultHealthTicks; i++ {
		m.Periodic()
		if !m.State().AMSLBaroValid {
			t.Fatalf("invalidated early at tick %d", i+1)
		}
	}
	if m.BaroHealthy() {
		t.Fatalf("expected counter exhausted")
	}
	m.Periodic()
	if m.State().AMSLBaroValid {
		t.Fatalf("expected amsl invalid after the watchdog window")
	}
}

func TestWatchdog_SampleRearmsCounter(t *testing.T) {
	m, b, _ := newTestModule(t, amslConfig())
	m.SetQNH(1013.25)
	pressure(b, 95000)
	for i := 0; i < DefaultHealthTicks+3; i++ {
		m.Periodic()
	}
	if m.State().AMSLBaroValid {
		t.Fatalf("expected invalid")
	}

	pressure(b, 95010)
	snap := m.Snapshot()
	if snap.HealthCounter != DefaultHealthTicks {
		t.Fatalf("counter=%d want %d", snap.HealthCounter, DefaultHealthTicks)
	}
	if !snap.AMSLBaroValid {
		t.Fatalf("expected amsl valid again after recompute")
	}
}

func TestWatchdog_CustomWindow(t *testing.T) {
	cfg := amslConfig()
	cfg.HealthTicks = 3
	m, b, _ := newTestModule(t, cfg)
	m.SetQNH(1013.25)
	pressure(b, 100000)
	for i := 0; i < 3; i++ {
		m.Periodic()
	}
	if !m.State().AMSLBaroValid {
		t.Fatalf("expected still valid after 3 ticks")
	}
	m.Periodic()
	if m.State().AMSLBaroValid {
		t.Fatalf("expected invalid on 4th tick")
	}
}

func TestAMSL_Branches(t *testing.T) {
	m, b, v := newTestModule(t, amslConfig())
	v.pos = Position{AltM: 777}

	// Invalid: falls back to the vehicle state altitude.
	if got := m.AMSL(); got != 777 {
		t.Fatalf("amsl=%v want 777 (fallback)", got)
	}

	m.SetQNH(1013.25)
	pressure(b, isa.PressureOfHeight(250, isa.SeaLevelPressure))
	if got := m.AMSL(); math.Abs(got-250) > 1e-6 {
		t.Fatalf("amsl=%v want 250 (baro)", got)
	}

	// Fallback is re-evaluated on each call.
	for i := 0; i <= DefaultHealthTicks; i++ {
		m.Periodic()
	}
	v.pos.AltM = 812
	if got := m.AMSL(); got != 812 {
		t.Fatalf("amsl=%v want 812 (fallback)", got)
	}
}

func TestSnapshot_ResolvesAMSL(t *testing.T) {
	m, b, v := newTestModule(t, amslConfig())
	v.pos = Position{AltM: 640}

	m.SetQNH(1013.25)
	pressure(b, isa.PressureOfHeight(300, isa.SeaLevelPressure))
	snap := m.Snapshot()
	if !snap.AMSLBaroValid || math.Abs(snap.AMSL-300) > 1e-6 {
		t.Fatalf("snapshot amsl=%v valid=%v want baro 300", snap.AMSL, snap.AMSLBaroValid)
	}

	for i := 0; i <= DefaultHealthTicks; i++ {
		m.Periodic()
	}
	snap = m.Snapshot()
	if snap.AMSLBaroValid {
		t.Fatalf("expected baro altitude invalid after watchdog expiry")
	}
	if snap.AMSL != 640 {
		t.Fatalf("snapshot amsl=%v want vehicle 640", snap.AMSL)
	}
	if math.Abs(snap.AMSLBaro-300) > 1e-6 {
		t.Fatalf("amsl_baro=%v want last baro value kept", snap.AMSLBaro)
	}
}

func TestSetQNH_ImmediateAndAutoStillArmed(t *testing.T) {
	m, b, v := newTestModule(t, amslConfig())

	m.SetQNH(1013.25)
	if qnh, set := m.QNH(); !set || qnh != 1013.25 {
		t.Fatalf("qnh=%v set=%v want 1013.25", qnh, set)
	}
	if !m.State().CalcQNHOnce {
		t.Fatalf("manual setting must not release the automatic latch")
	}

	// Pending automatic calibration overwrites the manual value on first fix.
	v.pos = Position{AltM: 300}
	v.valid = true
	p := isa.PressureOfHeight(300, 100800)
	pressure(b, p)
	if qnh, _ := m.QNH(); math.Abs(qnh-1008) > 1e-6 {
		t.Fatalf("qnh=%v want 1008 (automatic overwrite)", qnh)
	}

	// After calibration, manual settings stick.
	m.SetQNH(1020)
	pressure(b, p)
	if qnh, _ := m.QNH(); qnh != 1020 {
		t.Fatalf("qnh=%v want 1020", qnh)
	}
}

func TestSourceBinding_IgnoresOtherSensors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TemperatureID = 2
	m, b, _ := newTestModule(t, cfg)

	pressure(b, 90000)
	b.Publish(bus.Sample{Topic: bus.Temperature, Source: 1, Value: 40})
	if m.State().Temperature != 0 {
		t.Fatalf("temperature from unbound source accepted")
	}
	b.Publish(bus.Sample{Topic: bus.Temperature, Source: 2, Value: 5})
	if m.State().Temperature != 5 {
		t.Fatalf("temperature=%v want 5", m.State().Temperature)
	}
}

func TestSnapshot_Counts(t *testing.T) {
	m, b, _ := newTestModule(t, DefaultConfig())
	pressure(b, 100000)
	pressure(b, 100001)
	differential(b, 10)
	temperature(b, 12)

	snap := m.Snapshot()
	if snap.PressureSamples != 2 || snap.DifferentialSamples != 1 || snap.TemperatureSamples != 1 {
		t.Fatalf("counts=%d/%d/%d", snap.PressureSamples, snap.DifferentialSamples, snap.TemperatureSamples)
	}
	if !snap.BaroHealthy {
		t.Fatalf("expected baro healthy")
	}

	var nilModule *Module
	if nilModule.Snapshot() != (Snapshot{}) {
		t.Fatalf("expected zero snapshot from nil module")
	}
}
