// Package annunciator drives a panel lamp from air-data health: steady on
// while barometric altitude is valid, blinking while the barometer is alive
// but altitude is not yet usable (no QNH or calculation disabled), off when
// the barometer has gone quiet.
package annunciator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"airdata-ng/internal/airdata"
)

// Mode is the lamp pattern.
type Mode string

const (
	ModeOff   Mode = "off"
	ModeBlink Mode = "blink"
	ModeOn    Mode = "on"
)

// ModeFor maps an air-data snapshot to a lamp pattern.
func ModeFor(s airdata.Snapshot) Mode {
	switch {
	case s.AMSLBaroValid:
		return ModeOn
	case s.BaroHealthy:
		return ModeBlink
	default:
		return ModeOff
	}
}

// line is a single digital output.
type line interface {
	SetValue(v int) error
	Close() error
}

// Source supplies the air-data snapshot the lamp follows.
type Source interface {
	Snapshot() airdata.Snapshot
}

var openLineFn = openLine

var lampTestDuration = time.Second

type Config struct {
	Enable bool
	// Pin is BCM GPIO numbering.
	Pin int
	// BlinkInterval is the half period of the blink pattern.
	BlinkInterval time.Duration
}

type Snapshot struct {
	Enabled   bool `json:"enabled"`
	Available bool `json:"available"`

	Mode    Mode   `json:"mode"`
	Lit     bool   `json:"lit"`
	Changes uint64 `json:"mode_changes"`

	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type Service struct {
	cfg Config
	src Source

	mu   sync.RWMutex
	snap Snapshot

	lineMu sync.Mutex
	out    line

	wg sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, src Source) *Service {
	if cfg.BlinkInterval <= 0 {
		cfg.BlinkInterval = 250 * time.Millisecond
	}
	return &Service{cfg: cfg, src: src, stopCh: make(chan struct{}), snap: Snapshot{Mode: ModeOff}}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Service) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
	s.snap.LastUpdateAt = time.Now().UTC()
}

// Start opens the output line and runs the lamp asynchronously. It is a
// no-op when the annunciator is disabled.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("annunciator: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if s.src == nil {
		return fmt.Errorf("annunciator: source is nil")
	}
	s.setState(func(sn *Snapshot) { sn.Enabled = true })

	out, err := openLineFn(s.cfg.Pin)
	if err != nil {
		s.setState(func(sn *Snapshot) { sn.LastError = err.Error() })
		return err
	}
	s.lineMu.Lock()
	s.out = out
	s.lineMu.Unlock()
	s.setState(func(sn *Snapshot) { sn.Available = true })

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, out)
	}()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

// Close stops the lamp, turns it off and releases the line.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.lineMu.Lock()
	out := s.out
	s.out = nil
	s.lineMu.Unlock()
	if out != nil {
		_ = out.SetValue(0)
		_ = out.Close()
		s.setState(func(sn *Snapshot) { sn.Lit = false })
	}
}

func (s *Service) set(out line, lit bool) {
	v := 0
	if lit {
		v = 1
	}
	if err := out.SetValue(v); err != nil {
		s.setState(func(sn *Snapshot) {
			sn.LastError = fmt.Sprintf("annunciator: set line failed: %v", err)
		})
		return
	}
	s.setState(func(sn *Snapshot) {
		sn.Lit = lit
		sn.LastError = ""
	})
}

func (s *Service) run(ctx context.Context, out line) {
	// Lamp test.
	s.set(out, true)
	select {
	case <-time.After(lampTestDuration):
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	}

	t := time.NewTicker(s.cfg.BlinkInterval)
	defer t.Stop()

	prev := Mode("")
	phase := false
	for {
		mode := ModeFor(s.src.Snapshot())
		if mode != prev {
			phase = true
			if prev != "" {
				s.setState(func(sn *Snapshot) { sn.Changes++ })
			}
			s.setState(func(sn *Snapshot) { sn.Mode = mode })
			prev = mode
		} else {
			phase = !phase
		}
		switch mode {
		case ModeOn:
			s.set(out, true)
		case ModeBlink:
			s.set(out, phase)
		default:
			s.set(out, false)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
		}
	}
}
