// Package sensors polls the static pressure and pitot sensors on I2C and posts
// their readings onto the sensor bus.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"airdata-ng/internal/bus"
	"airdata-ng/internal/i2c"
	"airdata-ng/internal/sensors/bmp280"
	"airdata-ng/internal/sensors/ms4525"
)

const (
	reinitAfterFailures = 10
	reinitSpacing       = 2 * time.Second
)

var nowFn = time.Now

type Config struct {
	I2CBus    int
	BaroAddr  uint16
	PitotAddr uint16

	PitotEnable   bool
	PitotRangePSI float64
	// PitotOffsetPa is subtracted from every differential reading.
	PitotOffsetPa float64

	BaroInterval  time.Duration
	PitotInterval time.Duration

	BaroID  bus.SourceID
	PitotID bus.SourceID
}

type Snapshot struct {
	BaroDetected  bool `json:"baro_detected"`
	PitotDetected bool `json:"pitot_detected"`

	PressurePa float64 `json:"pressure_pa"`
	BaroTempC  float64 `json:"baro_temp_c"`

	DifferentialPa float64 `json:"differential_pa"`
	PitotTempC     float64 `json:"pitot_temp_c"`

	BaroLastUpdateAt  time.Time `json:"baro_last_update_utc,omitempty"`
	PitotLastUpdateAt time.Time `json:"pitot_last_update_utc,omitempty"`

	BaroFailures  uint64 `json:"baro_failures"`
	PitotFailures uint64 `json:"pitot_failures"`
	BaroReinits   uint64 `json:"baro_reinits"`
	Dropped       uint64 `json:"dropped"`

	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_utc,omitempty"`
}

// Poster is where samples go; *bus.Bus satisfies it.
type Poster interface {
	Post(s bus.Sample) bool
}

type baroReader interface {
	Read() (bmp280.Sample, error)
}

type pitotReader interface {
	Read() (ms4525.Sample, error)
	SetOffset(pa float64)
}

// hardware opens sensors on an already-open bus.
type hardware interface {
	baro() (baroReader, error)
	pitot() (pitotReader, error)
	Close() error
}

type i2cHardware struct {
	bus *i2c.Bus
	cfg Config
}

func (h *i2cHardware) baro() (baroReader, error) {
	return bmp280.New(h.bus.Dev(h.cfg.BaroAddr), bmp280.Options{})
}

func (h *i2cHardware) pitot() (pitotReader, error) {
	return ms4525.New(h.bus.Dev(h.cfg.PitotAddr), h.cfg.PitotRangePSI)
}

func (h *i2cHardware) Close() error { return h.bus.Close() }

var openHardwareFn = func(cfg Config) (hardware, error) {
	b, err := i2c.OpenNumber(cfg.I2CBus)
	if err != nil {
		return nil, err
	}
	return &i2cHardware{bus: b, cfg: cfg}, nil
}

type Service struct {
	cfg Config
	out Poster

	hw    hardware
	baro  baroReader
	pitot pitotReader

	baroErr  string
	pitotErr string

	mu   sync.RWMutex
	snap Snapshot

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, out Poster) *Service {
	if cfg.I2CBus == 0 {
		cfg.I2CBus = 1
	}
	if cfg.BaroAddr == 0 {
		cfg.BaroAddr = bmp280.DefaultAddress()
	}
	if cfg.PitotAddr == 0 {
		cfg.PitotAddr = ms4525.DefaultAddress()
	}
	if cfg.PitotRangePSI <= 0 {
		cfg.PitotRangePSI = 1
	}
	if cfg.BaroInterval <= 0 {
		cfg.BaroInterval = 50 * time.Millisecond
	}
	if cfg.PitotInterval <= 0 {
		cfg.PitotInterval = 20 * time.Millisecond
	}
	return &Service{cfg: cfg, out: out, stopCh: make(chan struct{})}
}

// Start opens the bus and both sensors, then polls them until ctx is done or
// Close is called. A missing barometer fails Start; a missing pitot sensor is
// reported in the snapshot and polling continues without it.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("sensors: service is nil")
	}
	if s.out == nil {
		return fmt.Errorf("sensors: output is nil")
	}

	hw, err := openHardwareFn(s.cfg)
	if err != nil {
		s.setBaroErr(fmt.Sprintf("open i2c-%d: %v", s.cfg.I2CBus, err))
		return err
	}
	s.hw = hw

	baro, err := hw.baro()
	if err != nil {
		s.setBaroErr(fmt.Sprintf("baro init: %v", err))
		_ = hw.Close()
		s.hw = nil
		return err
	}
	s.baro = baro
	s.mu.Lock()
	s.snap.BaroDetected = true
	s.mu.Unlock()

	if s.cfg.PitotEnable {
		p, err := hw.pitot()
		if err != nil {
			s.setPitotErr(fmt.Sprintf("pitot init: %v", err))
		} else {
			p.SetOffset(s.cfg.PitotOffsetPa)
			s.pitot = p
			s.mu.Lock()
			s.snap.PitotDetected = true
			s.mu.Unlock()
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Close stops polling and returns once the bus has been released.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Service) run(ctx context.Context) {
	defer func() {
		if s.hw != nil {
			_ = s.hw.Close()
		}
	}()

	baroTick := time.NewTicker(s.cfg.BaroInterval)
	defer baroTick.Stop()

	// A nil channel never fires, which disables the pitot case.
	var pitotC <-chan time.Time
	if s.pitot != nil {
		pitotTick := time.NewTicker(s.cfg.PitotInterval)
		defer pitotTick.Stop()
		pitotC = pitotTick.C
	}

	var baroFailures int
	var baroLastReinitAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-baroTick.C:
			sample, err := s.baro.Read()
			if err != nil {
				baroFailures++
				s.setBaroErr(err.Error())
				if baroFailures >= reinitAfterFailures && nowFn().Sub(baroLastReinitAt) >= reinitSpacing {
					baroLastReinitAt = nowFn()
					if b, reErr := s.hw.baro(); reErr == nil {
						s.baro = b
						baroFailures = 0
						s.mu.Lock()
						s.snap.BaroReinits++
						s.mu.Unlock()
					} else {
						s.setBaroErr(fmt.Sprintf("baro reinit: %v", reErr))
					}
				}
				continue
			}
			baroFailures = 0

			// Pressure first: it arms the barometer watchdog that gates the
			// TAS factor recompute on temperature.
			s.post(bus.Sample{Topic: bus.BaroAbs, Source: s.cfg.BaroID, Value: sample.PressurePa})
			s.post(bus.Sample{Topic: bus.Temperature, Source: s.cfg.BaroID, Value: sample.TempC})

			now := nowFn().UTC()
			s.mu.Lock()
			s.snap.PressurePa = sample.PressurePa
			s.snap.BaroTempC = sample.TempC
			s.snap.BaroLastUpdateAt = now
			s.snap.UpdatedAt = now
			s.baroErr = ""
			if s.pitotErr == "" {
				s.snap.LastError = ""
			}
			s.mu.Unlock()

		case <-pitotC:
			sample, err := s.pitot.Read()
			if errors.Is(err, ms4525.ErrStale) {
				continue
			}
			if err != nil {
				s.setPitotErr(err.Error())
				continue
			}
			s.post(bus.Sample{Topic: bus.BaroDiff, Source: s.cfg.PitotID, Value: sample.DifferentialPa})
			s.post(bus.Sample{Topic: bus.Temperature, Source: s.cfg.PitotID, Value: sample.TempC})

			now := nowFn().UTC()
			s.mu.Lock()
			s.snap.DifferentialPa = sample.DifferentialPa
			s.snap.PitotTempC = sample.TempC
			s.snap.PitotLastUpdateAt = now
			s.snap.UpdatedAt = now
			s.pitotErr = ""
			if s.baroErr == "" {
				s.snap.LastError = ""
			}
			s.mu.Unlock()
		}
	}
}

func (s *Service) post(sample bus.Sample) {
	if s.out.Post(sample) {
		return
	}
	s.mu.Lock()
	s.snap.Dropped++
	s.mu.Unlock()
}

func (s *Service) setBaroErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baroErr = msg
	s.snap.BaroFailures++
	s.snap.LastError = "baro: " + msg
	s.snap.UpdatedAt = nowFn().UTC()
}

func (s *Service) setPitotErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pitotErr = msg
	s.snap.PitotFailures++
	s.snap.LastError = "pitot: " + msg
	s.snap.UpdatedAt = nowFn().UTC()
}
