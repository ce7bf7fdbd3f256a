package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingAuditStore struct {
	mu      sync.Mutex
	batches [][]*AuditEntry
	block   chan struct{}
	err     error
}

func (s *recordingAuditStore) LogDecisions(ctx context.Context, entries []*AuditEntry) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, entries)
	return nil
}

func (s *recordingAuditStore) ListDecisions(context.Context, AuditFilter) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out, nil
}

func (s *recordingAuditStore) Stats(context.Context, string, time.Time, time.Time) (AuditStats, error) {
	if s.err != nil {
		return AuditStats{}, s.err
	}
	return AuditStats{}, nil
}

func (s *recordingAuditStore) count() (batches, entries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		entries += len(b)
	}
	return len(s.batches), entries
}

func TestAuditRecorderBatchesAndFlushes(t *testing.T) {
	store := &recordingAuditStore{}
	r := NewAuditRecorder(store, nil, AuditOptions{BatchSize: 4, FlushInterval: time.Hour})
	defer r.Close(context.Background())

	for i := 0; i < 10; i++ {
		r.Record(&AuditEntry{ID: string(rune('a' + i))})
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	batches, entries := store.count()
	if entries != 10 {
		t.Fatalf("expected 10 entries written, got %d", entries)
	}
	if batches < 3 {
		t.Fatalf("expected batches of at most 4, got %d batches", batches)
	}
	if c := r.Counters(); c.Recorded != 10 || c.Dropped != 0 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestAuditRecorderDropsWhenFull(t *testing.T) {
	store := &recordingAuditStore{block: make(chan struct{})}
	r := NewAuditRecorder(store, nil, AuditOptions{BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			r.Record(&AuditEntry{ID: "e"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Record blocked on a stalled store")
	}
	if r.Counters().Dropped == 0 {
		t.Fatalf("expected drops with a stalled store")
	}
	close(store.block)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestAuditRecorderCountsFailures(t *testing.T) {
	store := &recordingAuditStore{err: errors.New("disk full")}
	r := NewAuditRecorder(store, nil, AuditOptions{FlushInterval: time.Hour})
	r.Record(&AuditEntry{ID: "x"})
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c := r.Counters(); c.Failed != 1 {
		t.Fatalf("expected one failed entry, got %+v", c)
	}
	_ = r.Close(context.Background())

	if _, err := r.Stats(context.Background(), "t1", time.Time{}, time.Time{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestAuditStatsWindowValidation(t *testing.T) {
	r := NewAuditRecorder(&recordingAuditStore{}, nil, AuditOptions{})
	defer r.Close(context.Background())
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if _, err := r.Stats(context.Background(), "t1", from, from.Add(-time.Hour)); !IsValidationError(err) {
		t.Fatalf("expected validation error for inverted window, got %v", err)
	}
}

func TestNewAuditStats(t *testing.T) {
	s := NewAuditStats(4, 3, 10_000)
	if s.DenyDecisions != 1 || s.DenyRate != 0.25 || s.AverageLatencyMs != 2.5 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if z := NewAuditStats(0, 0, 0); z.DenyRate != 0 || z.AverageLatencyMs != 0 {
		t.Fatalf("empty window must not divide by zero: %+v", z)
	}
}
