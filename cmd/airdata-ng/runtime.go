package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"airdata-ng/internal/airdata"
	"airdata-ng/internal/annunciator"
	"airdata-ng/internal/bus"
	"airdata-ng/internal/config"
	"airdata-ng/internal/gps"
	"airdata-ng/internal/replay"
	"airdata-ng/internal/sensors"
	"airdata-ng/internal/sim"
	"airdata-ng/internal/telemetry"
	"airdata-ng/internal/udp"
	"airdata-ng/internal/vehicle"
	"airdata-ng/internal/web"
)

var errLoopStopped = errors.New("control loop is not running")

type qnhCommand struct {
	hpa   float64
	reply chan error
}

// liveRuntime owns every service and the control loop. Only the loop goroutine
// touches the air-data module and the bus dispatch.
type liveRuntime struct {
	cfg     config.Config
	bus     *bus.Bus
	vehicle *vehicle.State
	air     *airdata.Module

	status *web.Status
	logs   *web.LogBuffer
	hub    *web.Hub

	sensorsSvc *sensors.Service
	simSrc     *sim.Source
	gpsSvc     *gps.Service
	lamp       *annunciator.Service

	sender   *udp.Broadcaster
	recorder *replay.Writer
	reporter *telemetry.Reporter

	qnhCh     chan qnhCommand
	stopped   chan struct{}
	closeOnce sync.Once

	prev airdata.Snapshot
}

func airdataConfig(c config.AirDataConfig) airdata.Config {
	return airdata.Config{
		BaroAbsID:     bus.SourceID(*c.BaroAbsID),
		BaroDiffID:    bus.SourceID(*c.BaroDiffID),
		TemperatureID: bus.SourceID(*c.TemperatureID),
		CalcAirspeed:  *c.CalcAirspeed,
		CalcTASFactor: *c.CalcTASFactor,
		CalcAMSLBaro:  *c.CalcAMSLBaro,
		TASFactor:     c.TASFactor,
		HealthTicks:   uint8(c.HealthTicks),
	}
}

func simFlight(c config.SimConfig) sim.Flight {
	return sim.Flight{
		CenterLatDeg: c.CenterLatDeg,
		CenterLonDeg: c.CenterLonDeg,
		AltM:         c.AltM,
		AltAmpM:      c.AltAmpM,
		AirspeedMps:  c.AirspeedMps,
		QNHHpa:       c.QNHHpa,
		TempOffsetC:  c.TempOffsetC,
		Period:       c.Period,
		BaroDropout:  c.BaroDropout,
	}
}

// newRuntime wires the services without starting them. logs may be nil.
func newRuntime(cfg config.Config, logs *web.LogBuffer) (*liveRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}

	b := bus.New(c.AirData.QueueLen)
	v := vehicle.New(c.AirData.MaxFixAge)
	air, err := airdata.New(airdataConfig(c.AirData), b, v)
	if err != nil {
		return nil, err
	}

	r := &liveRuntime{
		cfg:     c,
		bus:     b,
		vehicle: v,
		air:     air,
		status:  web.NewStatus(),
		logs:    logs,
		hub:     web.NewHub(),
		qnhCh:   make(chan qnhCommand),
		stopped: make(chan struct{}),
		prev:    air.Snapshot(),
	}
	r.status.SetStatic(c.Sensors.Source, c.Telemetry.Dest)

	switch c.Sensors.Source {
	case "sim":
		r.simSrc = sim.NewSource(sim.SourceConfig{
			Flight:   simFlight(c.Sim),
			Interval: c.Sim.Interval,
			FixDelay: c.Sim.FixDelay,
			BaroID:   bus.SourceID(c.Sensors.BaroID),
			PitotID:  bus.SourceID(c.Sensors.PitotID),
		}, b, v)
	default:
		r.sensorsSvc = sensors.New(sensors.Config{
			I2CBus:        c.Sensors.I2CBus,
			BaroAddr:      uint16(c.Sensors.BaroAddr),
			PitotAddr:     uint16(c.Sensors.PitotAddr),
			PitotEnable:   *c.Sensors.PitotEnable,
			PitotRangePSI: c.Sensors.PitotRangePSI,
			PitotOffsetPa: c.Sensors.PitotOffsetPa,
			BaroInterval:  c.Sensors.BaroInterval,
			PitotInterval: c.Sensors.PitotInterval,
			BaroID:        bus.SourceID(c.Sensors.BaroID),
			PitotID:       bus.SourceID(c.Sensors.PitotID),
		}, b)
	}

	if c.GPS.Enable {
		r.gpsSvc = gps.New(gps.Config{Enable: true, Device: c.GPS.Device, Baud: c.GPS.Baud}, v)
	}
	if c.Annunciator.Enable {
		r.lamp = annunciator.New(annunciator.Config{
			Enable:        true,
			Pin:           c.Annunciator.Pin,
			BlinkInterval: c.Annunciator.BlinkInterval,
		}, air)
	}

	if c.Telemetry.Enable {
		sender, err := udp.NewBroadcaster(c.Telemetry.Dest)
		if err != nil {
			return nil, err
		}
		r.sender = sender

		var rec telemetry.FrameRecorder
		if c.Telemetry.RecordPath != "" {
			w, err := replay.CreateWriter(c.Telemetry.RecordPath)
			if err != nil {
				_ = sender.Close()
				return nil, err
			}
			r.recorder = w
			rec = w
		}
		r.reporter = telemetry.NewReporter(telemetry.Config{
			BaroRawInterval: c.Telemetry.BaroRawInterval,
			AirDataInterval: c.Telemetry.AirDataInterval,
		}, air, sender, rec)
	}
	return r, nil
}

// start brings up the sample sources and peripherals. Only a simulator
// failure is fatal; missing hardware leaves the barometer unhealthy, which
// status and the annunciator report.
func (r *liveRuntime) start(ctx context.Context) error {
	if r.simSrc != nil {
		if err := r.simSrc.Start(ctx); err != nil {
			return err
		}
	}
	if r.sensorsSvc != nil {
		if err := r.sensorsSvc.Start(ctx); err != nil {
			log.Printf("sensors init failed: %v", err)
		}
	}
	if r.gpsSvc != nil {
		if err := r.gpsSvc.Start(ctx); err != nil {
			log.Printf("gps init failed: %v", err)
		}
	}
	if r.lamp != nil {
		if err := r.lamp.Start(ctx); err != nil {
			log.Printf("annunciator init failed: %v", err)
		}
	}
	return nil
}

// Run starts everything and blocks in the control loop until ctx is done.
func (r *liveRuntime) Run(ctx context.Context) error {
	defer r.Close()
	if err := r.start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if r.cfg.Web.Enable {
		h := web.Handler(r.status, r, r.logs, r.hub)
		log.Printf("web listening on %s", r.cfg.Web.Listen)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.Serve(ctx, r.cfg.Web.Listen, h); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
			}
		}()
	}
	if r.reporter != nil {
		log.Printf("telemetry dest=%s baro_raw=%s air_data=%s", r.sender.Dest(), r.cfg.Telemetry.BaroRawInterval, r.cfg.Telemetry.AirDataInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.reporter.Run(ctx)
		}()
	}

	periodic := time.NewTicker(r.cfg.AirData.PeriodicInterval)
	defer periodic.Stop()
	stream := time.NewTicker(r.cfg.Web.StreamInterval)
	defer stream.Stop()

	err := r.loop(ctx, periodic.C, stream.C)
	wg.Wait()
	return err
}

// loop is the single writer of the air-data module.
func (r *liveRuntime) loop(ctx context.Context, periodic, stream <-chan time.Time) error {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-periodic:
			r.status.MarkTick(now.UTC())
			r.air.Periodic()
			r.observe()
		case s := <-r.bus.Queue():
			r.bus.Publish(s)
			r.observe()
		case cmd := <-r.qnhCh:
			r.air.SetQNH(cmd.hpa)
			r.observe()
			cmd.reply <- nil
		case now := <-stream:
			r.publish(now.UTC())
		}
	}
}

// SetQNH routes an operator QNH to the control loop and waits for it to be
// applied. It implements web.QNHSetter.
func (r *liveRuntime) SetQNH(ctx context.Context, hpa float64) error {
	reply := make(chan error, 1)
	select {
	case r.qnhCh <- qnhCommand{hpa: hpa, reply: reply}:
	case <-r.stopped:
		return errLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *liveRuntime) observe() {
	next := r.air.Snapshot()
	for _, msg := range transitions(r.prev, next, r.cfg.AirData.HealthTicks) {
		log.Print(msg)
	}
	r.prev = next
}

// transitions describes the state changes worth a log line.
func transitions(prev, next airdata.Snapshot, healthTicks int) []string {
	var out []string
	if next.QNHSet && (!prev.QNHSet || next.QNH != prev.QNH) {
		how := "manual"
		if prev.CalcQNHOnce && !next.CalcQNHOnce {
			how = "calibrated from position fix"
		}
		out = append(out, fmt.Sprintf("airdata: qnh %.2f hPa (%s)", next.QNH, how))
	}
	if !prev.BaroHealthy && next.BaroHealthy {
		out = append(out, "airdata: baro healthy")
	}
	if prev.BaroHealthy && !next.BaroHealthy {
		out = append(out, fmt.Sprintf("airdata: baro stale (no absolute pressure for %d ticks)", healthTicks))
	}
	if !prev.AMSLBaroValid && next.AMSLBaroValid {
		out = append(out, fmt.Sprintf("airdata: baro altitude valid (%.1f m)", next.AMSLBaro))
	}
	if prev.AMSLBaroValid && !next.AMSLBaroValid {
		out = append(out, "airdata: baro altitude invalid")
	}
	return out
}

// publish pushes the current state to status and websocket clients.
func (r *liveRuntime) publish(now time.Time) {
	r.status.SetComponent("bus", r.bus.Stats())
	r.status.SetComponent("vehicle", r.vehicle.Snapshot())
	r.status.SetComponent("web", map[string]int{"ws_clients": r.hub.Clients()})
	if r.sensorsSvc != nil {
		r.status.SetComponent("sensors", r.sensorsSvc.Snapshot())
	}
	if r.simSrc != nil {
		r.status.SetComponent("sim", r.simSrc.Snapshot())
	}
	if r.gpsSvc != nil {
		r.status.SetComponent("gps", r.gpsSvc.Snapshot())
	}
	if r.lamp != nil {
		r.status.SetComponent("annunciator", r.lamp.Snapshot())
	}
	if r.reporter != nil {
		r.status.SetComponent("telemetry", r.reporter.Snapshot())
		r.status.SetComponent("udp", r.sender.Stats())
	}

	snap := r.air.Snapshot()
	r.status.SetAirData(now, snap)
	r.hub.Publish(snap)
}

func (r *liveRuntime) Close() {
	r.closeOnce.Do(func() {
		if r.simSrc != nil {
			r.simSrc.Close()
		}
		if r.sensorsSvc != nil {
			r.sensorsSvc.Close()
		}
		if r.gpsSvc != nil {
			r.gpsSvc.Close()
		}
		if r.lamp != nil {
			r.lamp.Close()
		}
		if r.recorder != nil {
			if err := r.recorder.Close(); err != nil {
				log.Printf("frame log close failed: %v", err)
			}
		}
		if r.sender != nil {
			_ = r.sender.Close()
		}
	})
}
