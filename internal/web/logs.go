package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
	// Lines longer than this are cut so one runaway writer cannot pin memory.
	maxLogLine = 4096
)

// LogBuffer is an io.Writer that keeps the last N complete log lines for the
// /api/logs endpoint. Incomplete trailing output is held until its newline.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	written uint64
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

// Write implements io.Writer.
func (b *LogBuffer) Write(p []byte) (int, error) {
	if b == nil {
		return len(p), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			b.partial = append(b.partial, rest...)
			if len(b.partial) > maxLogLine {
				b.appendLineLocked(string(b.partial[:maxLogLine]))
				b.partial = b.partial[:0]
			}
			break
		}
		line := rest[:i]
		if len(b.partial) > 0 {
			line = append(b.partial, line...)
			b.partial = nil
		}
		if len(line) > maxLogLine {
			line = line[:maxLogLine]
		}
		b.appendLineLocked(string(line))
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (b *LogBuffer) appendLineLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.written++
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		over := len(b.lines) - b.max
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Written uint64   `json:"written"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// Snapshot returns up to tail of the newest lines that contain match (all
// lines when match is empty), oldest first.
func (b *LogBuffer) Snapshot(tail int, match string) LogsResponse {
	resp := LogsResponse{NowUTC: time.Now().UTC().Format(time.RFC3339Nano), Lines: []string{}}
	if b == nil {
		return resp
	}
	if tail <= 0 {
		tail = defaultLogTail
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	resp.Written = b.written
	resp.Dropped = b.dropped
	picked := make([]string, 0, tail)
	for i := len(b.lines) - 1; i >= 0 && len(picked) < tail; i-- {
		if match != "" && !strings.Contains(b.lines[i], match) {
			continue
		}
		picked = append(picked, b.lines[i])
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	resp.Lines = picked
	return resp
}

// Handler serves GET ?tail=N&match=S&format=text|json.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		q := r.URL.Query()
		tail := defaultLogTail
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > maxLogTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail), http.StatusBadRequest)
				return
			}
			tail = v
		}

		resp := b.Snapshot(tail, q.Get("match"))
		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if resp.Dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", resp.Dropped)
			}
			for _, line := range resp.Lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}
		writeJSON(w, resp)
	})
}
