package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"airdata-ng/internal/replay"
)

// runReplay plays a recorded frame log through send.
func runReplay(ctx context.Context, path string, speed float64, loop bool, send func(frame []byte) error) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("replay path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	recs, err := replay.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	return replay.Play(ctx, recs, speed, loop, nil, send)
}
