// Package vehicle holds the vehicle state shared between position sources
// (GPS, simulator) and air data.
//
// It stands in for the flight-state estimator: position sources write fixes,
// air data reads them for QNH calibration and altitude fallback, and pushes
// computed airspeed back.
package vehicle

import (
	"sync"
	"time"

	"airdata-ng/internal/airdata"
)

// DefaultMaxFixAge is how long a fix stays valid without being refreshed.
const DefaultMaxFixAge = 3 * time.Second

var nowFn = time.Now

type Snapshot struct {
	PositionValid bool      `json:"position_valid"`
	LatDeg        float64   `json:"lat_deg"`
	LonDeg        float64   `json:"lon_deg"`
	AltM          float64   `json:"alt_m"`
	FixSource     string    `json:"fix_source,omitempty"`
	LastFixUTC    time.Time `json:"last_fix_utc,omitempty"`

	AirspeedMps       float64   `json:"airspeed_mps"`
	AirspeedUpdatedAt time.Time `json:"airspeed_updated_utc,omitempty"`
}

// State is safe for concurrent use.
type State struct {
	maxFixAge time.Duration

	mu    sync.RWMutex
	pos   airdata.Position
	fixOK bool
	fixAt time.Time
	src   string

	airspeed   float64
	airspeedAt time.Time
}

var _ airdata.VehicleState = (*State)(nil)

// New creates a vehicle state. Fixes older than maxFixAge are reported as
// invalid; maxFixAge <= 0 uses DefaultMaxFixAge.
func New(maxFixAge time.Duration) *State {
	if maxFixAge <= 0 {
		maxFixAge = DefaultMaxFixAge
	}
	return &State{maxFixAge: maxFixAge}
}

// SetPosition records a position estimate from source. valid=false marks the
// current estimate as unusable (e.g. receiver reports no fix) while keeping
// the last known altitude for fallback readers.
func (s *State) SetPosition(source string, pos airdata.Position, valid bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = pos
	s.fixOK = valid
	s.src = source
	if valid {
		s.fixAt = nowFn().UTC()
	}
}

// GlobalPosition implements airdata.VehicleState.
func (s *State) GlobalPosition() (airdata.Position, bool) {
	if s == nil {
		return airdata.Position{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pos, s.validLocked()
}

// SetAirspeed implements airdata.VehicleState.
func (s *State) SetAirspeed(mps float64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.airspeed = mps
	s.airspeedAt = nowFn().UTC()
	s.mu.Unlock()
}

func (s *State) Airspeed() float64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.airspeed
}

func (s *State) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		PositionValid:     s.validLocked(),
		LatDeg:            s.pos.LatDeg,
		LonDeg:            s.pos.LonDeg,
		AltM:              s.pos.AltM,
		FixSource:         s.src,
		LastFixUTC:        s.fixAt,
		AirspeedMps:       s.airspeed,
		AirspeedUpdatedAt: s.airspeedAt,
	}
}

func (s *State) validLocked() bool {
	if !s.fixOK || s.fixAt.IsZero() {
		return false
	}
	return nowFn().UTC().Sub(s.fixAt) <= s.maxFixAge
}
