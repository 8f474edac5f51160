package sensors

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"airdata-ng/internal/bus"
	"airdata-ng/internal/sensors/bmp280"
	"airdata-ng/internal/sensors/ms4525"
)

type fakeBaro struct {
	sample bmp280.Sample
	err    error
}

func (f *fakeBaro) Read() (bmp280.Sample, error) { return f.sample, f.err }

type fakePitot struct {
	mu       sync.Mutex
	sample   ms4525.Sample
	err      error
	offsetPa float64
}

func (f *fakePitot) SetOffset(pa float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsetPa = pa
}

func (f *fakePitot) Read() (ms4525.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, f.err
}

type fakeHardware struct {
	baroR    baroReader
	baroErr  error
	pitotR   pitotReader
	pitotErr error

	baroOpens atomic.Int64
	closed    atomic.Bool
}

func (h *fakeHardware) baro() (baroReader, error) {
	h.baroOpens.Add(1)
	if h.baroErr != nil {
		return nil, h.baroErr
	}
	return h.baroR, nil
}

func (h *fakeHardware) pitot() (pitotReader, error) {
	if h.pitotErr != nil {
		return nil, h.pitotErr
	}
	return h.pitotR, nil
}

func (h *fakeHardware) Close() error {
	h.closed.Store(true)
	return nil
}

type recordingPoster struct {
	mu      sync.Mutex
	samples []bus.Sample
	reject  bool
}

func (p *recordingPoster) Post(s bus.Sample) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false
	}
	p.samples = append(p.samples, s)
	return true
}

func (p *recordingPoster) snapshot() []bus.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Sample(nil), p.samples...)
}

func useHardware(t *testing.T, hw hardware) {
	t.Helper()
	old := openHardwareFn
	openHardwareFn = func(Config) (hardware, error) { return hw, nil }
	t.Cleanup(func() { openHardwareFn = old })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{
		PitotEnable:   true,
		BaroInterval:  time.Millisecond,
		PitotInterval: time.Millisecond,
		BaroID:        1,
		PitotID:       2,
	}
}

func TestService_PostsBaroThenTemperature(t *testing.T) {
	hw := &fakeHardware{baroR: &fakeBaro{sample: bmp280.Sample{TempC: 12.5, PressurePa: 95000}}}
	useHardware(t, hw)

	out := &recordingPoster{}
	cfg := testConfig()
	cfg.PitotEnable = false
	svc := New(cfg, out)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "baro samples", func() bool { return len(out.snapshot()) >= 2 })
	cancel()

	got := out.snapshot()
	if got[0] != (bus.Sample{Topic: bus.BaroAbs, Source: 1, Value: 95000}) {
		t.Fatalf("first=%+v", got[0])
	}
	if got[1] != (bus.Sample{Topic: bus.Temperature, Source: 1, Value: 12.5}) {
		t.Fatalf("second=%+v", got[1])
	}
	snap := svc.Snapshot()
	if !snap.BaroDetected || snap.PitotDetected || snap.PressurePa != 95000 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if !hw.closed.Load() {
		t.Fatalf("expected hardware closed on exit")
	}
}

func TestService_PitotSamplesAndStale(t *testing.T) {
	pitot := &fakePitot{err: ms4525.ErrStale}
	hw := &fakeHardware{
		baroR:  &fakeBaro{err: errors.New("busy")},
		pitotR: pitot,
	}
	useHardware(t, hw)

	out := &recordingPoster{}
	svc := New(testConfig(), out)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Stale readings are neither posted nor counted as failures.
	time.Sleep(20 * time.Millisecond)
	if n := len(out.snapshot()); n != 0 {
		t.Fatalf("posted %d samples while stale", n)
	}
	if svc.Snapshot().PitotFailures != 0 {
		t.Fatalf("stale counted as failure")
	}

	pitot.mu.Lock()
	pitot.sample = ms4525.Sample{DifferentialPa: 380, TempC: 21}
	pitot.err = nil
	pitot.mu.Unlock()

	waitFor(t, "pitot samples", func() bool { return len(out.snapshot()) >= 2 })
	svc.Close()

	got := out.snapshot()
	if got[0] != (bus.Sample{Topic: bus.BaroDiff, Source: 2, Value: 380}) {
		t.Fatalf("first=%+v", got[0])
	}
	if got[1] != (bus.Sample{Topic: bus.Temperature, Source: 2, Value: 21}) {
		t.Fatalf("second=%+v", got[1])
	}
}

func TestService_AppliesPitotOffset(t *testing.T) {
	pitot := &fakePitot{err: ms4525.ErrStale}
	hw := &fakeHardware{baroR: &fakeBaro{err: errors.New("busy")}, pitotR: pitot}
	useHardware(t, hw)

	cfg := testConfig()
	cfg.PitotOffsetPa = 12.5
	svc := New(cfg, &recordingPoster{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Close()

	pitot.mu.Lock()
	defer pitot.mu.Unlock()
	if pitot.offsetPa != 12.5 {
		t.Fatalf("offset=%v want 12.5", pitot.offsetPa)
	}
}

func TestService_CloseReleasesBus(t *testing.T) {
	hw := &fakeHardware{baroR: &fakeBaro{sample: bmp280.Sample{PressurePa: 100000}}}
	useHardware(t, hw)

	cfg := testConfig()
	cfg.PitotEnable = false
	svc := New(cfg, &recordingPoster{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Close()
	if !hw.closed.Load() {
		t.Fatalf("bus still open after Close returned")
	}
	// Second Close must not block.
	svc.Close()
}

func TestService_BaroInitFailureFailsStart(t *testing.T) {
	hw := &fakeHardware{baroErr: errors.New("chip id 0x00")}
	useHardware(t, hw)

	svc := New(testConfig(), &recordingPoster{})
	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if !hw.closed.Load() {
		t.Fatalf("expected hardware closed")
	}
	snap := svc.Snapshot()
	if snap.BaroDetected || snap.LastError == "" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestService_MissingPitotIsNotFatal(t *testing.T) {
	hw := &fakeHardware{
		baroR:    &fakeBaro{sample: bmp280.Sample{PressurePa: 100000}},
		pitotErr: errors.New("nack"),
	}
	useHardware(t, hw)

	svc := New(testConfig(), &recordingPoster{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := svc.Snapshot()
	if !snap.BaroDetected || snap.PitotDetected {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.LastError != "pitot: pitot init: nack" {
		t.Fatalf("last_error=%q", snap.LastError)
	}
	svc.Close()
}

func TestService_BaroReinitAfterRepeatedFailures(t *testing.T) {
	hw := &fakeHardware{baroR: &fakeBaro{err: errors.New("eio")}}
	useHardware(t, hw)

	cfg := testConfig()
	cfg.PitotEnable = false
	svc := New(cfg, &recordingPoster{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "baro reinit", func() bool { return svc.Snapshot().BaroReinits >= 1 })
	svc.Close()

	if n := hw.baroOpens.Load(); n < 2 {
		t.Fatalf("baro opens=%d want >= 2", n)
	}
	if snap := svc.Snapshot(); snap.BaroFailures < reinitAfterFailures {
		t.Fatalf("failures=%d want >= %d", snap.BaroFailures, reinitAfterFailures)
	}
}

func TestService_CountsDroppedSamples(t *testing.T) {
	hw := &fakeHardware{baroR: &fakeBaro{sample: bmp280.Sample{PressurePa: 100000}}}
	useHardware(t, hw)

	cfg := testConfig()
	cfg.PitotEnable = false
	svc := New(cfg, &recordingPoster{reject: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "drops", func() bool { return svc.Snapshot().Dropped >= 2 })
	svc.Close()
}

func TestService_NilOutput(t *testing.T) {
	if err := New(testConfig(), nil).Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	var s *Service
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	s.Close()
	_ = s.Snapshot()
}
