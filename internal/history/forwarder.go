package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/svcwrap/internal/supervisor"
)

const (
	DefaultQueueSize   = 64
	DefaultSendTimeout = 5 * time.Second
)

// Forwarder fans supervisor events out to sinks from its own goroutine.
// Enqueue never blocks; when the queue is full the event is dropped.
type Forwarder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	queue chan Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	started map[int]time.Time
	dropped int
}

func NewForwarder(log *slog.Logger, queueSize int, sinks ...Sink) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	f := &Forwarder{
		sinks:   sinks,
		log:     log,
		timeout: DefaultSendTimeout,
		queue:   make(chan Event, queueSize),
		started: make(map[int]time.Time),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// Observe is a supervisor.Subscribe callback.
func (f *Forwarder) Observe(ev supervisor.Event) {
	f.mu.Lock()
	startedAt := f.started[ev.PID]
	if ev.Type == supervisor.EventStarted {
		f.started[ev.PID] = ev.At
	} else {
		delete(f.started, ev.PID)
	}
	f.mu.Unlock()
	f.Enqueue(FromSupervisor(ev, startedAt))
}

// Enqueue queues e for delivery. It reports false when e was dropped.
func (f *Forwarder) Enqueue(e Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.queue <- e:
		return true
	default:
		f.dropped++
		f.log.Warn("history queue full, event dropped",
			"service", e.Record.Service, "type", e.Type, "dropped", f.dropped)
		return false
	}
}

// Dropped returns the number of events discarded on overflow.
func (f *Forwarder) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close drains the queue and closes sinks that implement io.Closer.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()
	f.wg.Wait()
	for _, s := range f.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				f.log.Warn("history sink close failed", "error", err)
			}
		}
	}
	return nil
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for e := range f.queue {
		for _, s := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			if err := s.Send(ctx, e); err != nil {
				f.log.Warn("history sink send failed",
					"service", e.Record.Service, "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}
