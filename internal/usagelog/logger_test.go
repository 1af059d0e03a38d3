package usagelog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
)

// memSink collects events in memory and can be told to fail.
type memSink struct {
	mu     sync.Mutex
	events []*model.UsageEvent
	err    error
}

func (m *memSink) RecordUsage(ctx context.Context, ev *model.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) all() []*model.UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.UsageEvent, len(m.events))
	copy(out, m.events)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ev(id string) *model.UsageEvent {
	return &model.UsageEvent{KeyIdentifier: id, Outcome: model.OutcomeAllowed}
}

func TestRecordAndDrain(t *testing.T) {
	sink := &memSink{}
	l := New(Config{Enabled: true, BufferSize: 16}, sink, discardLogger())
	l.Start()

	for i := 0; i < 5; i++ {
		l.Record(ev("k1"))
	}
	l.Close()

	got := sink.all()
	if len(got) != 5 {
		t.Fatalf("drained %d events, want 5", len(got))
	}
	if got[0].OccurredAt.IsZero() {
		t.Error("expected OccurredAt to be stamped")
	}
	stats := l.Stats()
	if stats.Enqueued != 5 || stats.Dropped != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDisabledRetainsNothing(t *testing.T) {
	sink := &memSink{}
	l := New(Config{Enabled: false}, sink, discardLogger())
	l.Start()

	for i := 0; i < 1000; i++ {
		l.Record(ev("k1"))
	}
	l.Close()

	if len(sink.all()) != 0 {
		t.Errorf("disabled logger retained %d events", len(sink.all()))
	}
	if l.Stats().Enqueued != 0 {
		t.Errorf("disabled logger counted enqueues: %+v", l.Stats())
	}
}

func TestFullBufferDropsNewByDefault(t *testing.T) {
	sink := &memSink{}
	// No Start yet: the queue fills deterministically.
	l := New(Config{Enabled: true, BufferSize: 2}, sink, discardLogger())

	l.Record(ev("first"))
	l.Record(ev("second"))
	l.Record(ev("third")) // buffer full: dropped

	if got := l.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	l.Start()
	l.Close()

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("drained %d events, want 2", len(got))
	}
	if got[0].KeyIdentifier != "first" || got[1].KeyIdentifier != "second" {
		t.Errorf("drop-new should keep the oldest events, got %q, %q",
			got[0].KeyIdentifier, got[1].KeyIdentifier)
	}
}

func TestFullBufferDropOldestPolicy(t *testing.T) {
	sink := &memSink{}
	l := New(Config{Enabled: true, BufferSize: 2, DropOldest: true}, sink, discardLogger())

	l.Record(ev("first"))
	l.Record(ev("second"))
	l.Record(ev("third")) // evicts "first"

	if got := l.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	l.Start()
	l.Close()

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("drained %d events, want 2", len(got))
	}
	if got[0].KeyIdentifier != "second" || got[1].KeyIdentifier != "third" {
		t.Errorf("drop-oldest should keep the newest events, got %q, %q",
			got[0].KeyIdentifier, got[1].KeyIdentifier)
	}
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	sink := &memSink{err: errors.New("store unavailable")}
	l := New(Config{Enabled: true, BufferSize: 8}, sink, discardLogger())
	l.Start()

	l.Record(ev("k1"))
	l.Record(ev("k2"))
	l.Close()

	if got := l.Stats().Failed; got != 2 {
		t.Errorf("failed = %d, want 2", got)
	}
}

func TestRecordAfterCloseIsSafe(t *testing.T) {
	sink := &memSink{}
	l := New(Config{Enabled: true, BufferSize: 4}, sink, discardLogger())
	l.Start()
	l.Close()

	// Must not panic or block.
	l.Record(ev("late"))
	if len(sink.all()) != 0 {
		t.Error("event recorded after close should be discarded")
	}
}

func TestConcurrentRecord(t *testing.T) {
	sink := &memSink{}
	l := New(Config{Enabled: true, BufferSize: 4096}, sink, discardLogger())
	l.Start()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Record(ev("concurrent"))
			}
		}()
	}
	wg.Wait()
	l.Close()

	stats := l.Stats()
	if stats.Enqueued+stats.Dropped != 800 {
		t.Errorf("enqueued %d + dropped %d != 800", stats.Enqueued, stats.Dropped)
	}
	if int(stats.Enqueued) != len(sink.all()) {
		t.Errorf("sink has %d events, enqueued %d", len(sink.all()), stats.Enqueued)
	}
}
