package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestRunReplay_SendsFramesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.log")
	// Same timestamp for both frames so nothing sleeps.
	if err := os.WriteFile(path, []byte("START\n0,0102\n0,0a0b0c\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	var sent [][]byte
	err := runReplay(context.Background(), path, 1.0, false, func(frame []byte) error {
		sent = append(sent, append([]byte(nil), frame...))
		return nil
	})
	if err != nil {
		t.Fatalf("runReplay() error: %v", err)
	}
	want := [][]byte{{0x01, 0x02}, {0x0a, 0x0b, 0x0c}}
	if !reflect.DeepEqual(sent, want) {
		t.Fatalf("sent=%x want=%x", sent, want)
	}
}

func TestRunReplay_ContextCanceled_NoSends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.log")
	if err := os.WriteFile(path, []byte("0,0102\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sent := 0
	err := runReplay(ctx, path, 1.0, false, func([]byte) error {
		sent++
		return nil
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if sent != 0 {
		t.Fatalf("expected 0 sends, got %d", sent)
	}
}

func TestRunReplay_BadInput(t *testing.T) {
	if err := runReplay(context.Background(), "", 1, false, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for empty path")
	}
	path := filepath.Join(t.TempDir(), "bad.log")
	if err := os.WriteFile(path, []byte("nonsense\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := runReplay(context.Background(), path, 1, false, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected parse error")
	}
}
