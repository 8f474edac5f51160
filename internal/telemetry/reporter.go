package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"airdata-ng/internal/airdata"
)

var nowFn = time.Now

// Sender transmits one framed message; *udp.Broadcaster satisfies it.
type Sender interface {
	Send(frame []byte) error
}

// FrameRecorder keeps a copy of every frame sent; *replay.Writer satisfies it.
type FrameRecorder interface {
	WriteFrame(now time.Time, frame []byte) error
}

// Source supplies the air-data state to report; *airdata.Module satisfies it.
type Source interface {
	Snapshot() airdata.Snapshot
}

type Config struct {
	BaroRawInterval time.Duration
	AirDataInterval time.Duration
}

type Snapshot struct {
	BaroRawSent uint64    `json:"baro_raw_sent"`
	AirDataSent uint64    `json:"air_data_sent"`
	SendErrors  uint64    `json:"send_errors"`
	LastError   string    `json:"last_error,omitempty"`
	LastSentAt  time.Time `json:"last_sent_utc,omitempty"`
}

// Reporter periodically sends BARO_RAW and AIR_DATA.
type Reporter struct {
	cfg    Config
	src    Source
	sender Sender
	rec    FrameRecorder

	mu   sync.RWMutex
	snap Snapshot
}

// NewReporter creates a reporter. rec may be nil.
func NewReporter(cfg Config, src Source, sender Sender, rec FrameRecorder) *Reporter {
	if cfg.BaroRawInterval <= 0 {
		cfg.BaroRawInterval = time.Second
	}
	if cfg.AirDataInterval <= 0 {
		cfg.AirDataInterval = 200 * time.Millisecond
	}
	return &Reporter{cfg: cfg, src: src, sender: sender, rec: rec}
}

// Run sends until ctx is done. It always returns ctx.Err().
func (r *Reporter) Run(ctx context.Context) error {
	if r == nil || r.src == nil || r.sender == nil {
		return fmt.Errorf("telemetry: reporter not configured")
	}
	baroTick := time.NewTicker(r.cfg.BaroRawInterval)
	defer baroTick.Stop()
	airTick := time.NewTicker(r.cfg.AirDataInterval)
	defer airTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-baroTick.C:
			r.SendBaroRaw()
		case <-airTick.C:
			r.SendAirData()
		}
	}
}

func (r *Reporter) SendBaroRaw() {
	s := r.src.Snapshot()
	if r.send(Frame(EncodeBaroRaw(s.Pressure, s.Differential))) {
		r.mu.Lock()
		r.snap.BaroRawSent++
		r.mu.Unlock()
	}
}

func (r *Reporter) SendAirData() {
	if r.send(Frame(EncodeAirData(r.src.Snapshot()))) {
		r.mu.Lock()
		r.snap.AirDataSent++
		r.mu.Unlock()
	}
}

func (r *Reporter) send(frame []byte) bool {
	now := nowFn()
	if r.rec != nil {
		// Recording is best-effort; a full disk must not stop the downlink.
		_ = r.rec.WriteFrame(now, frame)
	}
	err := r.sender.Send(frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.snap.SendErrors++
		r.snap.LastError = err.Error()
		return false
	}
	r.snap.LastError = ""
	r.snap.LastSentAt = now.UTC()
	return true
}

func (r *Reporter) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}
