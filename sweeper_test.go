package authz

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type sweepStore struct {
	GrantStore
	calls atomic.Int32
	err   error
	at    atomic.Value
}

func (s *sweepStore) MarkExpired(_ context.Context, now time.Time) (int, error) {
	s.calls.Add(1)
	s.at.Store(now)
	if s.err != nil {
		return 0, s.err
	}
	return 2, nil
}

func TestGrantSweeperSweep(t *testing.T) {
	store := &sweepStore{}
	s := NewGrantSweeper(store, nil, 0)
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if at := store.at.Load().(time.Time); !at.Equal(fixed) {
		t.Fatalf("sweep used %v, want injected clock %v", at, fixed)
	}

	store.err = errors.New("locked")
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestGrantSweeperLoop(t *testing.T) {
	store := &sweepStore{}
	s := NewGrantSweeper(store, nil, 5*time.Millisecond)
	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for store.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not run")
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.Stop()
	after := store.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if store.calls.Load() != after {
		t.Fatalf("sweeper kept running after Stop")
	}
	s.Stop()
}
