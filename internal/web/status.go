package web

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"airdata-ng/internal/airdata"
)

// Status aggregates what /api/status reports. The runtime pushes snapshots
// into it; handlers only read.
type Status struct {
	startUnixNano int64
	lastTickNano  int64
	ticks         uint64

	mode          atomic.Value // string
	telemetryDest atomic.Value // string
	airData       atomic.Value // airdata.Snapshot
	airDataAt     int64

	compMu     sync.Mutex
	components atomic.Value // map[string]any, replaced on write
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.telemetryDest.Store("")
	s.airData.Store(airdata.Snapshot{})
	s.components.Store(map[string]any{})
	return s
}

func (s *Status) SetStatic(mode string, telemetryDest string) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if telemetryDest != "" {
		s.telemetryDest.Store(telemetryDest)
	}
}

func (s *Status) SetAirData(nowUTC time.Time, snap airdata.Snapshot) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	s.airData.Store(snap)
	atomic.StoreInt64(&s.airDataAt, nowUTC.UnixNano())
}

func (s *Status) AirData() airdata.Snapshot {
	return s.airData.Load().(airdata.Snapshot)
}

// SetComponent records the latest snapshot of a supporting service under name
// (e.g. "sensors", "gps"). v must be JSON-encodable.
func (s *Status) SetComponent(name string, v any) {
	s.compMu.Lock()
	defer s.compMu.Unlock()
	cur := s.components.Load().(map[string]any)
	next := make(map[string]any, len(cur)+1)
	for k, old := range cur {
		next[k] = old
	}
	next[name] = v
	s.components.Store(next)
}

// MarkTick records one control-loop watchdog tick.
func (s *Status) MarkTick(nowUTC time.Time) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastTickNano, nowUTC.UnixNano())
	atomic.AddUint64(&s.ticks, 1)
}

type StatusSnapshot struct {
	Service        string           `json:"service"`
	NowUTC         string           `json:"now_utc"`
	UptimeSec      int64            `json:"uptime_sec"`
	Mode           string           `json:"mode"`
	TelemetryDest  string           `json:"telemetry_dest,omitempty"`
	TicksTotal     uint64           `json:"ticks_total"`
	LastTickUTC    string           `json:"last_tick_utc,omitempty"`
	AirData        airdata.Snapshot `json:"airdata"`
	AirDataUTC     string           `json:"airdata_utc,omitempty"`
	ComponentNames []string         `json:"component_names"`
	Components     map[string]any   `json:"components"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	comps := s.components.Load().(map[string]any)
	names := make([]string, 0, len(comps))
	for k := range comps {
		names = append(names, k)
	}
	sort.Strings(names)

	snap := StatusSnapshot{
		Service:        "airdata-ng",
		NowUTC:         nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:      int64(nowUTC.Sub(start).Seconds()),
		Mode:           s.mode.Load().(string),
		TelemetryDest:  s.telemetryDest.Load().(string),
		TicksTotal:     atomic.LoadUint64(&s.ticks),
		AirData:        s.AirData(),
		ComponentNames: names,
		Components:     comps,
	}
	if t := atomic.LoadInt64(&s.lastTickNano); t != 0 {
		snap.LastTickUTC = time.Unix(0, t).UTC().Format(time.RFC3339Nano)
	}
	if t := atomic.LoadInt64(&s.airDataAt); t != 0 {
		snap.AirDataUTC = time.Unix(0, t).UTC().Format(time.RFC3339Nano)
	}
	return snap
}
