package authz

import (
	"context"
	"sync"
	"time"

	"github.com/fabricmanagement/authz/logger"
)

// GrantSweeper periodically persists EXPIRED status on grants whose expiry has
// passed. Evaluation never depends on it; it keeps stored status accurate for
// reporting.
type GrantSweeper struct {
	store    GrantStore
	logger   logger.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewGrantSweeper(store GrantStore, l logger.Logger, interval time.Duration) *GrantSweeper {
	if l == nil {
		l = logger.NewNullLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &GrantSweeper{store: store, logger: l, interval: interval, now: time.Now}
}

// NewGrantSweeper returns a sweeper sharing the engine's store, logger and clock.
func (e *Engine) NewGrantSweeper(interval time.Duration) *GrantSweeper {
	s := NewGrantSweeper(e.grantStore, e.logger, interval)
	s.now = e.now
	return s
}

// Sweep runs one pass and reports how many grants it marked.
func (s *GrantSweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.MarkExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("grant sweep failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired grants marked", "count", n)
	}
	return n, nil
}

// Start runs Sweep every interval until Stop or ctx cancellation.
func (s *GrantSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.Sweep(ctx)
			}
		}
	}(s.done)
}

// Stop halts the loop and waits for an in-flight pass.
func (s *GrantSweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
