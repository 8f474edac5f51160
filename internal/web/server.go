// Package web serves the air-data status API, the log tail and a websocket
// stream of air-data snapshots.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// QNH plausibility bounds (hPa) for operator input.
const (
	MinQNHHpa = 800.0
	MaxQNHHpa = 1200.0
)

// QNHSetter applies an operator QNH. Implementations route the value to the
// air-data control loop and must be safe to call concurrently.
type QNHSetter interface {
	SetQNH(ctx context.Context, hpa float64) error
}

type qnhRequest struct {
	QNHHpa *float64 `json:"qnh_hpa"`
}

type qnhResponse struct {
	OK     bool    `json:"ok"`
	QNHHpa float64 `json:"qnh_hpa"`
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// Handler builds the HTTP API. qnh, logs and hub may be nil; their endpoints
// then answer 404.
func Handler(status *Status, qnh QNHSetter, logs *LogBuffer, hub *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/airdata", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, status.AirData())
	})

	mux.HandleFunc("/api/qnh", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if qnh == nil {
			http.Error(w, "qnh control unavailable", http.StatusNotFound)
			return
		}
		var req qnhRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
			return
		}
		if req.QNHHpa == nil {
			http.Error(w, "qnh_hpa is required", http.StatusBadRequest)
			return
		}
		v := *req.QNHHpa
		if math.IsNaN(v) || v < MinQNHHpa || v > MaxQNHHpa {
			http.Error(w, fmt.Sprintf("qnh_hpa must be in [%g,%g]", MinQNHHpa, MaxQNHHpa), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := qnh.SetQNH(ctx, v); err != nil {
			code := http.StatusServiceUnavailable
			if errors.Is(err, context.DeadlineExceeded) {
				code = http.StatusGatewayTimeout
			}
			http.Error(w, err.Error(), code)
			return
		}
		writeJSON(w, qnhResponse{OK: true, QNHHpa: v})
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	if hub != nil {
		mux.Handle("/ws/airdata", hub)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		ad := snap.AirData
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>airdata-ng</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>airdata-ng</h1>")
		_, _ = fmt.Fprintf(w, "<p>JSON: <a href=\"/api/status\">/api/status</a>, <a href=\"/api/airdata\">/api/airdata</a>, <a href=\"/api/logs?format=text\">/api/logs</a>. Live stream: /ws/airdata.</p>")
		_, _ = fmt.Fprintf(w, "<pre>mode=%s\npressure_pa=%.1f\ntemperature_c=%.2f\nairspeed_mps=%.2f\ntas_factor=%.5f\nqnh_hpa=%.2f (set=%t)\namsl_m=%.1f\namsl_baro_m=%.1f (valid=%t)\nbaro_healthy=%t</pre>",
			snap.Mode, ad.Pressure, ad.Temperature, ad.Airspeed, ad.TASFactor, ad.QNH, ad.QNHSet, ad.AMSL, ad.AMSLBaro, ad.AMSLBaroValid, ad.BaroHealthy,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
