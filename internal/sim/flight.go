// Package sim produces simulated air-data samples and position fixes for
// bench runs without sensors.
package sim

import (
	"math"
	"time"

	"airdata-ng/internal/isa"
)

const radiusNm = 0.5

// Flight describes a deterministic bench flight: a figure-eight ground track
// around the center with a sinusoidal altitude profile, flown at constant true
// airspeed through an ISA atmosphere referenced to QNHHpa.
type Flight struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltM         float64
	AltAmpM      float64
	AirspeedMps  float64
	QNHHpa       float64
	TempOffsetC  float64
	Period       time.Duration

	// BaroDropout silences absolute pressure for this long once per period,
	// starting half-way through it.
	BaroDropout time.Duration
}

// Truth is the simulated state at one instant together with what the sensors
// would read.
type Truth struct {
	LatDeg      float64
	LonDeg      float64
	TrackDeg    float64
	AltM        float64
	AirspeedMps float64

	PressurePa     float64
	TempC          float64
	DifferentialPa float64

	// BaroOut is true while absolute pressure is withheld.
	BaroOut bool
}

func (f Flight) period() time.Duration {
	if f.Period <= 0 {
		return 120 * time.Second
	}
	return f.Period
}

// At returns the truth at elapsed time since the start of the flight.
func (f Flight) At(elapsed time.Duration) Truth {
	if elapsed < 0 {
		elapsed = 0
	}
	period := f.period()
	phase := float64(elapsed%period) / float64(period)
	w := 2 * math.Pi * phase

	var t Truth
	t.LatDeg, t.LonDeg, t.TrackDeg = f.position(w)

	// Vertical motion runs at twice the track rate so the two never line up.
	t.AltM = f.AltM + f.AltAmpM*math.Sin(2*w)
	t.AirspeedMps = f.AirspeedMps

	qnh := f.QNHHpa
	if qnh <= 0 {
		qnh = isa.SeaLevelPressure / 100
	}
	t.PressurePa = isa.PressureOfHeight(t.AltM, qnh*100)
	tempK := isa.TemperatureOfHeight(t.AltM) + f.TempOffsetC
	t.TempC = tempK - isa.CelsiusToKelvin

	rho := isa.DensityOfPressure(t.PressurePa, tempK)
	t.DifferentialPa = 0.5 * rho * t.AirspeedMps * t.AirspeedMps

	if f.BaroDropout > 0 {
		inPeriod := elapsed % period
		start := period / 2
		t.BaroOut = inPeriod >= start && inPeriod < start+f.BaroDropout
	}
	return t
}

func (f Flight) position(w float64) (latDeg, lonDeg, trackDeg float64) {
	radiusDeg := radiusNm / 60.0

	// Figure-eight (Lissajous) path: x = cos(w), y = 0.5*sin(2w).
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	latDeg = f.CenterLatDeg + radiusDeg*y
	lonDeg = f.CenterLonDeg + (radiusDeg*x)/math.Cos(f.CenterLatDeg*math.Pi/180.0)

	vx := -math.Sin(w)
	vy := math.Cos(2 * w)
	trackDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	return latDeg, lonDeg, trackDeg
}
