package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"airdata-ng/internal/config"
	"airdata-ng/internal/udp"
	"airdata-ng/internal/web"
)

func main() {
	var (
		configPath     string
		logSummaryPath string
		replayPath     string
		replaySpeed    float64
		replayLoop     bool
	)
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.StringVar(&logSummaryPath, "log-summary", "", "Print a summary of a recorded frame log and exit")
	flag.StringVar(&replayPath, "replay", "", "Replay a recorded frame log to telemetry.dest instead of running live")
	flag.Float64Var(&replaySpeed, "replay-speed", 1.0, "Replay speed multiplier")
	flag.BoolVar(&replayLoop, "replay-loop", false, "Restart the replay when it reaches the end")
	flag.Parse()

	if logSummaryPath != "" {
		if err := printLogSummary(os.Stdout, logSummaryPath); err != nil {
			log.Fatalf("log summary failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if replayPath != "" {
		if cfg.Telemetry.Dest == "" {
			log.Fatalf("replay requires telemetry.dest")
		}
		b, err := udp.NewBroadcaster(cfg.Telemetry.Dest)
		if err != nil {
			log.Fatalf("udp broadcaster init failed: %v", err)
		}
		defer b.Close()
		log.Printf("replaying %s to %s speed=%g loop=%t", replayPath, b.Dest(), replaySpeed, replayLoop)
		if err := runReplay(ctx, replayPath, replaySpeed, replayLoop, b.Send); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("replay failed: %v", err)
		}
		return
	}

	rt, err := newRuntime(cfg, logs)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}

	log.Printf("airdata-ng starting source=%s", cfg.Sensors.Source)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("airdata-ng stopped: %v", err)
	}
	log.Printf("airdata-ng stopping")
}
