package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"airdata-ng/internal/airdata"
	"airdata-ng/internal/bus"
	"airdata-ng/internal/isa"
	"airdata-ng/internal/vehicle"
)

type fakeQNH struct {
	mu  sync.Mutex
	got []float64
	err error
}

func (f *fakeQNH) SetQNH(_ context.Context, hpa float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, hpa)
	return f.err
}

func postQNH(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/qnh", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post qnh: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("sim", "127.0.0.1:4000")
	st.SetAirData(time.Time{}, airdata.Snapshot{Pressure: 95000, QNH: 1013.25, QNHSet: true})
	st.SetComponent("sensors", map[string]any{"baro_detected": true})
	st.MarkTick(time.Time{})

	ts := httptest.NewServer(Handler(st, nil, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "airdata-ng" || snap.Mode != "sim" {
		t.Fatalf("service=%q mode=%q", snap.Service, snap.Mode)
	}
	if snap.TelemetryDest != "127.0.0.1:4000" {
		t.Fatalf("telemetry_dest=%q", snap.TelemetryDest)
	}
	if snap.TicksTotal != 1 || snap.LastTickUTC == "" {
		t.Fatalf("ticks=%d last=%q", snap.TicksTotal, snap.LastTickUTC)
	}
	if snap.AirData.Pressure != 95000 || !snap.AirData.QNHSet || snap.AirDataUTC == "" {
		t.Fatalf("airdata=%+v at %q", snap.AirData, snap.AirDataUTC)
	}
	if len(snap.ComponentNames) != 1 || snap.ComponentNames[0] != "sensors" {
		t.Fatalf("components=%v", snap.ComponentNames)
	}
}

func TestAPIStatus_RejectsPost(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus(), nil, nil, nil))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodGet {
		t.Fatalf("allow=%q", resp.Header.Get("Allow"))
	}
}

func TestAPIAirData(t *testing.T) {
	st := NewStatus()
	st.SetAirData(time.Now().UTC(), airdata.Snapshot{Airspeed: 28.5, TASFactor: 1.02, AMSLBaro: 512, AMSLBaroValid: true})
	ts := httptest.NewServer(Handler(st, nil, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/airdata")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var got airdata.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Airspeed != 28.5 || got.TASFactor != 1.02 || !got.AMSLBaroValid || got.AMSLBaro != 512 {
		t.Fatalf("airdata=%+v", got)
	}
}

func getAirData(t *testing.T, url string) airdata.Snapshot {
	t.Helper()
	resp, err := http.Get(url + "/api/airdata")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var got airdata.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestAPIAirData_AMSLFallsBackToVehicle(t *testing.T) {
	b := bus.New(8)
	v := vehicle.New(0)
	v.SetPosition("gps", airdata.Position{AltM: 640}, false)
	cfg := airdata.DefaultConfig()
	cfg.CalcAMSLBaro = true
	m, err := airdata.New(cfg, b, v)
	if err != nil {
		t.Fatalf("airdata.New: %v", err)
	}
	st := NewStatus()
	ts := httptest.NewServer(Handler(st, nil, nil, nil))
	defer ts.Close()

	m.SetQNH(1013.25)
	b.Publish(bus.Sample{Topic: bus.BaroAbs, Source: 1, Value: isa.PressureOfHeight(300, isa.SeaLevelPressure)})
	st.SetAirData(time.Now().UTC(), m.Snapshot())
	if got := getAirData(t, ts.URL); !got.AMSLBaroValid || got.AMSL < 299.9 || got.AMSL > 300.1 {
		t.Fatalf("baro branch: amsl=%v valid=%v", got.AMSL, got.AMSLBaroValid)
	}

	for i := 0; i <= airdata.DefaultHealthTicks; i++ {
		m.Periodic()
	}
	st.SetAirData(time.Now().UTC(), m.Snapshot())
	got := getAirData(t, ts.URL)
	if got.AMSLBaroValid || got.AMSL != 640 {
		t.Fatalf("fallback branch: amsl=%v valid=%v", got.AMSL, got.AMSLBaroValid)
	}

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	page, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(page), "amsl_m=640.0") {
		t.Fatalf("root page missing fallback altitude: %s", page)
	}
}

func TestAPIQNH_Applies(t *testing.T) {
	q := &fakeQNH{}
	ts := httptest.NewServer(Handler(NewStatus(), q, nil, nil))
	defer ts.Close()

	resp := postQNH(t, ts.URL, `{"qnh_hpa": 1005.5}`)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status code=%d body=%s", resp.StatusCode, b)
	}
	var got qnhResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.OK || got.QNHHpa != 1005.5 {
		t.Fatalf("resp=%+v", got)
	}
	if len(q.got) != 1 || q.got[0] != 1005.5 {
		t.Fatalf("setter calls=%v", q.got)
	}
}

func TestAPIQNH_RejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"BadJSON", `{"qnh_hpa":`},
		{"Missing", `{}`},
		{"UnknownField", `{"qnh_hpa": 1013, "alt": 3}`},
		{"TooLow", `{"qnh_hpa": 500}`},
		{"TooHigh", `{"qnh_hpa": 1300}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &fakeQNH{}
			ts := httptest.NewServer(Handler(NewStatus(), q, nil, nil))
			defer ts.Close()

			resp := postQNH(t, ts.URL, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status code=%d", resp.StatusCode)
			}
			if len(q.got) != 0 {
				t.Fatalf("setter should not be called")
			}
		})
	}
}

func TestAPIQNH_SetterError(t *testing.T) {
	q := &fakeQNH{err: errors.New("control loop stopped")}
	ts := httptest.NewServer(Handler(NewStatus(), q, nil, nil))
	defer ts.Close()

	resp := postQNH(t, ts.URL, `{"qnh_hpa": 1013.25}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestAPIQNH_WithoutSetter(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus(), nil, nil, nil))
	defer ts.Close()

	resp := postQNH(t, ts.URL, `{"qnh_hpa": 1013.25}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestAPIQNH_RejectsGet(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus(), &fakeQNH{}, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/qnh")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestRootPage(t *testing.T) {
	st := NewStatus()
	st.SetStatic("i2c", "")
	ts := httptest.NewServer(Handler(st, nil, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "mode=i2c") {
		t.Fatalf("body missing mode: %s", b)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d", resp2.StatusCode)
	}
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("airdata: qnh calibrated\nsensors: baro detected\n"))
	ts := httptest.NewServer(Handler(NewStatus(), nil, logs, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/logs?tail=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var got LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Lines) != 1 || got.Lines[0] != "sensors: baro detected" {
		t.Fatalf("lines=%v", got.Lines)
	}

	bad, err := http.Get(ts.URL + "/api/logs?tail=0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code=%d", bad.StatusCode)
	}
}

func TestWebsocketStream(t *testing.T) {
	hub := NewHub()
	hub.Publish(airdata.Snapshot{Airspeed: 12})
	ts := httptest.NewServer(Handler(NewStatus(), nil, nil, hub))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/airdata"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first airdata.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.Airspeed != 12 {
		t.Fatalf("first airspeed=%v want 12 (last published)", first.Airspeed)
	}

	hub.Publish(airdata.Snapshot{Airspeed: 34})
	var second airdata.Snapshot
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if second.Airspeed != 34 {
		t.Fatalf("second airspeed=%v want 34", second.Airspeed)
	}
	if hub.Clients() != 1 {
		t.Fatalf("clients=%d want 1", hub.Clients())
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}
}
