// Package bus is a small in-process publish/subscribe sensor bus.
//
// Drivers running on their own goroutines Post samples into a bounded FIFO.
// The control loop drains that FIFO and calls Publish, which dispatches
// synchronously to every matching subscriber on the caller's goroutine, so
// handlers never run concurrently with each other.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Topic identifies the kind of measurement carried by a sample.
type Topic uint8

const (
	// BaroAbs is absolute (static) pressure in Pa.
	BaroAbs Topic = iota + 1
	// BaroDiff is differential (dynamic) pressure in Pa.
	BaroDiff
	// Temperature is air temperature in degrees C.
	Temperature

	numTopics = int(Temperature) + 1
)

func (t Topic) String() string {
	switch t {
	case BaroAbs:
		return "baro_abs"
	case BaroDiff:
		return "baro_diff"
	case Temperature:
		return "temperature"
	default:
		return fmt.Sprintf("topic(%d)", uint8(t))
	}
}

func (t Topic) valid() bool { return t >= BaroAbs && t <= Temperature }

// SourceID identifies the physical sensor that produced a sample.
type SourceID uint8

// Broadcast is a subscription wildcard that accepts samples from any source.
// Drivers must not publish with it.
const Broadcast SourceID = 255

// Sample is one measurement in flight between a driver and the control loop.
type Sample struct {
	Topic  Topic
	Source SourceID
	Value  float64
}

// Handler receives one sample value. It must not block.
type Handler func(source SourceID, value float64)

// SensorBus is the subscription side of the bus, which is all a consumer
// needs.
type SensorBus interface {
	Subscribe(topic Topic, source SourceID, h Handler) error
}

type binding struct {
	source SourceID
	h      Handler
}

// Bus is the in-memory SensorBus implementation.
type Bus struct {
	mu   sync.RWMutex
	subs [numTopics][]binding

	queue     chan Sample
	posted    atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// New creates a bus whose Post queue holds up to queueLen samples.
func New(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &Bus{queue: make(chan Sample, queueLen)}
}

// Subscribe binds h to samples of topic coming from source (or any source when
// source is Broadcast).
func (b *Bus) Subscribe(topic Topic, source SourceID, h Handler) error {
	if b == nil {
		return fmt.Errorf("bus: bus is nil")
	}
	if !topic.valid() {
		return fmt.Errorf("bus: unknown topic %d", uint8(topic))
	}
	if h == nil {
		return fmt.Errorf("bus: handler is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], binding{source: source, h: h})
	return nil
}

// Publish delivers s to every matching subscriber, in subscription order, on
// the calling goroutine. It returns the number of handlers invoked.
//
// Handlers must not call Subscribe.
func (b *Bus) Publish(s Sample) int {
	if b == nil || !s.Topic.valid() {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs[s.Topic] {
		if sub.source != Broadcast && sub.source != s.Source {
			continue
		}
		sub.h(s.Source, s.Value)
		n++
	}
	b.delivered.Add(uint64(n))
	return n
}

// Post enqueues s for the control loop without blocking. It returns false when
// the queue is full; the sample is dropped and counted.
func (b *Bus) Post(s Sample) bool {
	if b == nil {
		return false
	}
	select {
	case b.queue <- s:
		b.posted.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Queue is the FIFO of posted samples, drained by the control loop.
func (b *Bus) Queue() <-chan Sample {
	if b == nil {
		return nil
	}
	return b.queue
}

// Stats are cumulative bus counters.
type Stats struct {
	Posted    uint64 `json:"posted"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Pending   int    `json:"pending"`
}

func (b *Bus) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	return Stats{
		Posted:    b.posted.Load(),
		Dropped:   b.dropped.Load(),
		Delivered: b.delivered.Load(),
		Pending:   len(b.queue),
	}
}
