package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"airdata-ng/internal/airdata"
	"airdata-ng/internal/bus"
)

var nowFn = time.Now

// Poster is where simulated samples go; *bus.Bus satisfies it.
type Poster interface {
	Post(s bus.Sample) bool
}

// PositionSink receives simulated position fixes; *vehicle.State satisfies it.
type PositionSink interface {
	SetPosition(source string, pos airdata.Position, valid bool)
}

type SourceConfig struct {
	Flight Flight

	Interval time.Duration
	// FixDelay holds back the position fix so that pressure samples arrive
	// before a trusted altitude exists.
	FixDelay time.Duration

	BaroID  bus.SourceID
	PitotID bus.SourceID
}

type SourceSnapshot struct {
	Running    bool      `json:"running"`
	Elapsed    string    `json:"elapsed"`
	FixValid   bool      `json:"fix_valid"`
	BaroOut    bool      `json:"baro_out"`
	TruthAltM  float64   `json:"truth_alt_m"`
	TruthTAS   float64   `json:"truth_tas_mps"`
	PressurePa float64   `json:"pressure_pa"`
	Dropped    uint64    `json:"dropped"`
	UpdatedAt  time.Time `json:"updated_utc,omitempty"`
}

// Source replaces the I2C sensors with a simulated flight.
type Source struct {
	cfg SourceConfig
	out Poster
	pos PositionSink

	start time.Time

	mu   sync.RWMutex
	snap SourceSnapshot

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSource(cfg SourceConfig, out Poster, pos PositionSink) *Source {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.BaroID == 0 {
		cfg.BaroID = 1
	}
	if cfg.PitotID == 0 {
		cfg.PitotID = 2
	}
	return &Source{cfg: cfg, out: out, pos: pos, stopCh: make(chan struct{})}
}

func (s *Source) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("sim: source is nil")
	}
	if s.out == nil {
		return fmt.Errorf("sim: output is nil")
	}
	s.start = nowFn()
	s.mu.Lock()
	s.snap.Running = true
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Close stops the source and waits for the sample loop to exit.
func (s *Source) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Source) Snapshot() SourceSnapshot {
	if s == nil {
		return SourceSnapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Source) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.snap.Running = false
		s.mu.Unlock()
	}()

	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-tick.C:
			s.step(nowFn())
		}
	}
}

// step emits one round of samples for the flight state at now.
func (s *Source) step(now time.Time) {
	elapsed := now.Sub(s.start)
	t := s.cfg.Flight.At(elapsed)

	fix := elapsed >= s.cfg.FixDelay
	if fix && s.pos != nil {
		s.pos.SetPosition("sim", airdata.Position{LatDeg: t.LatDeg, LonDeg: t.LonDeg, AltM: t.AltM}, true)
	}

	var dropped uint64
	post := func(sample bus.Sample) {
		if !s.out.Post(sample) {
			dropped++
		}
	}
	if !t.BaroOut {
		post(bus.Sample{Topic: bus.BaroAbs, Source: s.cfg.BaroID, Value: t.PressurePa})
	}
	post(bus.Sample{Topic: bus.Temperature, Source: s.cfg.BaroID, Value: t.TempC})
	post(bus.Sample{Topic: bus.BaroDiff, Source: s.cfg.PitotID, Value: t.DifferentialPa})

	s.mu.Lock()
	s.snap.Elapsed = elapsed.Truncate(time.Millisecond).String()
	s.snap.FixValid = fix
	s.snap.BaroOut = t.BaroOut
	s.snap.TruthAltM = t.AltM
	s.snap.TruthTAS = t.AirspeedMps
	s.snap.PressurePa = t.PressurePa
	s.snap.Dropped += dropped
	s.snap.UpdatedAt = now.UTC()
	s.mu.Unlock()
}
