// Package usagelog records authentication and authorization attempts
// asynchronously. Record never blocks the decision path: events go onto a
// bounded queue and a background worker drains them into the store. When
// the queue is full the configured policy drops the new event (default) or
// evicts the oldest one. Sink failures are counted and logged, never
// propagated.
package usagelog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
)

// Sink is where drained events land. *store.Store satisfies it.
type Sink interface {
	RecordUsage(ctx context.Context, ev *model.UsageEvent) error
}

// Config controls the usage logger.
type Config struct {
	// Enabled turns usage logging on. When false, Record is a no-op and
	// no events are retained anywhere.
	Enabled bool

	// BufferSize bounds the in-flight queue.
	BufferSize int

	// DropOldest evicts the oldest queued event when the buffer is full,
	// instead of dropping the incoming one.
	DropOldest bool

	// WriteTimeout bounds each sink write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default usage logger configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		BufferSize:   1024,
		DropOldest:   false,
		WriteTimeout: 3 * time.Second,
	}
}

// Stats are the logger's lifetime counters.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

// Logger is the asynchronous usage event writer.
type Logger struct {
	cfg  Config
	sink Sink
	log  *slog.Logger

	ch   chan *model.UsageEvent
	done chan struct{}

	mu      sync.RWMutex
	started bool
	closed  bool

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// New creates a Logger. Call Start to launch the drain worker.
func New(cfg Config, sink Sink, log *slog.Logger) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{
		cfg:  cfg,
		sink: sink,
		log:  log,
		done: make(chan struct{}),
	}
	if cfg.Enabled {
		l.ch = make(chan *model.UsageEvent, cfg.BufferSize)
	}
	return l
}

// Start launches the background drain goroutine. No-op when disabled or
// already started.
func (l *Logger) Start() {
	if l == nil || !l.cfg.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	go l.drain()
}

// Record enqueues one event without ever blocking. Full-buffer behavior
// follows the configured drop policy; drops are counted, not reported.
func (l *Logger) Record(ev *model.UsageEvent) {
	if l == nil || !l.cfg.Enabled || ev == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.ch <- ev:
		l.enqueued.Add(1)
		return
	default:
	}

	if l.cfg.DropOldest {
		select {
		case <-l.ch:
			l.dropped.Add(1)
		default:
		}
		select {
		case l.ch <- ev:
			l.enqueued.Add(1)
		default:
			l.dropped.Add(1)
		}
		return
	}

	l.dropped.Add(1)
}

// Close stops accepting events, drains what is already queued, and waits
// for the worker to finish.
func (l *Logger) Close() {
	if l == nil || !l.cfg.Enabled {
		return
	}

	l.mu.Lock()
	if l.closed {
		started := l.started
		l.mu.Unlock()
		if started {
			<-l.done
		}
		return
	}
	l.closed = true
	started := l.started
	close(l.ch)
	l.mu.Unlock()

	if started {
		<-l.done
	}
}

// Stats returns the lifetime counters.
func (l *Logger) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	return Stats{
		Enqueued: l.enqueued.Load(),
		Dropped:  l.dropped.Load(),
		Failed:   l.failed.Load(),
	}
}

func (l *Logger) drain() {
	defer close(l.done)

	for ev := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
		err := l.sink.RecordUsage(ctx, ev)
		cancel()
		if err != nil {
			// A failing log backend must never surface to the request
			// path; count it and keep draining.
			l.failed.Add(1)
			l.log.Warn("usage event write failed",
				"key", ev.KeyIdentifier,
				"outcome", ev.Outcome,
				"error", err,
			)
		}
	}
}
