// Package replay records telemetry frames to a text log and plays them back
// with their original timing.
//
// Log format, one record per line:
//
//	# comment             ignored, as are blank lines
//	START                 new segment; times restart at 0
//	<t_ns>,<hex>          frame sent t_ns nanoseconds after START
package replay

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record is one log line. A nil Frame marks a START.
type Record struct {
	At    time.Duration
	Frame []byte
}

// ReadAll parses a whole log.
func ReadAll(r io.Reader) ([]Record, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var recs []Record
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("replay: read: %w", err)
	}
	return recs, nil
}

func parseRecord(line string) (Record, error) {
	tsStr, hexStr, ok := strings.Cut(line, ",")
	if !ok {
		return Record{}, fmt.Errorf("missing comma")
	}
	tsStr = strings.TrimSpace(tsStr)
	hexStr = strings.ReplaceAll(strings.TrimSpace(hexStr), " ", "")
	if tsStr == "" || hexStr == "" {
		return Record{}, fmt.Errorf("empty field")
	}
	ns, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("timestamp %q: %w", tsStr, err)
	}
	if ns < 0 {
		return Record{}, fmt.Errorf("negative timestamp %d", ns)
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Record{}, fmt.Errorf("payload: %w", err)
	}
	return Record{At: time.Duration(ns), Frame: b}, nil
}

// Writer appends frames to a log. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	c      io.Closer
	w      *bufio.Writer
	start  time.Time
	closed bool
}

// CreateWriter truncates path and starts a new segment.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("replay: create %s: %w", path, err)
	}
	w, err := NewWriter(f, time.Now())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter starts a segment at start on wc.
func NewWriter(wc io.WriteCloser, start time.Time) (*Writer, error) {
	bw := bufio.NewWriterSize(wc, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		return nil, fmt.Errorf("replay: write header: %w", err)
	}
	return &Writer{c: wc, w: bw, start: start}, nil
}

func (w *Writer) WriteFrame(now time.Time, frame []byte) error {
	if len(frame) == 0 {
		return errors.New("replay: empty frame")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("replay: writer is closed")
	}
	d := now.Sub(w.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(w.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(frame))
	return err
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.w.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		_ = w.c.Close()
		return err
	}
	return w.c.Close()
}

// Sleeper waits between frames; tests substitute a recorder.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play calls send for each frame, waiting out the recorded gaps divided by
// speed. With loop it starts over until ctx is done or send fails.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, send func(frame []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("replay: speed must be > 0")
	}
	if send == nil {
		return errors.New("replay: send is nil")
	}
	if len(records) == 0 {
		return errors.New("replay: no records")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}

	for {
		var origin, lastAt time.Duration
		haveLast := false
		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Frame == nil {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast && at > lastAt {
				if err := sleeper.Sleep(ctx, time.Duration(float64(at-lastAt)/speed)); err != nil {
					return err
				}
			}
			if err := send(r.Frame); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}
		if !loop {
			return nil
		}
	}
}
