// Package gps reads NMEA from a serial GNSS receiver and feeds the vehicle
// state with position fixes. GGA altitude (mean sea level) is what air data
// calibrates QNH against, so a fix without GGA is never reported valid.
package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"airdata-ng/internal/airdata"
)

var nowFn = time.Now

// Config controls the GPS reader. Device may be empty to auto-detect.
type Config struct {
	Enable bool
	Device string
	Baud   int
}

type Snapshot struct {
	Enabled bool `json:"enabled"`
	Valid   bool `json:"valid"`

	Device string `json:"device,omitempty"`
	Baud   int    `json:"baud,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	AltM       float64  `json:"alt_m,omitempty"`
	GroundKt   *int     `json:"ground_kt,omitempty"`
	TrackDeg   *float64 `json:"track_deg,omitempty"`
	FixQuality int      `json:"fix_quality"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`

	LastFixUTC string `json:"last_fix_utc,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// PositionSink receives fixes; *vehicle.State satisfies it.
type PositionSink interface {
	SetPosition(source string, pos airdata.Position, valid bool)
}

type Service struct {
	cfg  Config
	sink PositionSink

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // Snapshot

	mu     sync.Mutex
	closer io.Closer
}

func New(cfg Config, sink PositionSink) *Service {
	s := &Service{cfg: cfg, sink: sink}
	s.last.Store(Snapshot{Enabled: cfg.Enable, Device: cfg.Device, Baud: cfg.Baud})
	return s
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("gps: ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.setErrorLocked("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			return fmt.Errorf("gps: auto-detect failed")
		}
	}
	baud := s.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	f, err := openSerial(device, baud)
	if err != nil {
		s.setErrorLocked(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, baud, err))
		return err
	}
	s.closer = f

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.last.Store(Snapshot{Enabled: true, Device: device, Baud: baud})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = f.Close() }()
		log.Printf("gps enabled device=%s baud=%d", device, baud)
		s.readLoop(childCtx, f, device, baud)
	}()
	return nil
}

// readLoop consumes NMEA lines from r until ctx is done or r fails.
func (s *Service) readLoop(ctx context.Context, r io.Reader, device string, baud int) {
	reader := bufio.NewScanner(r)
	// NMEA sentences are typically < 82 chars, but allow some headroom.
	reader.Buffer(make([]byte, 0, 256), 4096)

	st := nmeaState{device: device, baud: baud}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !reader.Scan() {
			err := reader.Err()
			if err == nil {
				err = io.EOF
			}
			s.setError(fmt.Sprintf("gps read stopped: %v", err))
			return
		}

		line := strings.TrimSpace(reader.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sent, perr := parseNMEASentence(line)
		if perr != nil {
			s.setError(perr.Error())
			continue
		}
		if !st.apply(nowFn().UTC(), sent) {
			continue
		}
		snap := st.snapshot()
		s.last.Store(snap)
		if s.sink != nil {
			s.sink.SetPosition("gps", airdata.Position{LatDeg: st.latDeg, LonDeg: st.lonDeg, AltM: st.altM}, snap.Valid)
		}
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v := s.last.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErrorLocked(msg)
}

func (s *Service) setErrorLocked(msg string) {
	cur := s.Snapshot()
	cur.LastError = msg
	// Transient parse issues do not flip validity.
	s.last.Store(cur)
}

func autoDetectDevice() string {
	var candidates []string
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
