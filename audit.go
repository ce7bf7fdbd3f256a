package authz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabricmanagement/authz/logger"
)

// AuditOptions tunes the asynchronous writer.
type AuditOptions struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (o AuditOptions) withDefaults() AuditOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 128
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// AuditRecorder queues decisions and writes them to the AuditStore in batches
// from a single worker. Record never blocks; when the buffer is full the entry
// is dropped, counted and logged.
type AuditRecorder struct {
	store   AuditStore
	logger  logger.Logger
	opts    AuditOptions
	ch      chan *AuditEntry
	stopCh  chan struct{}
	flushCh chan chan struct{}
	done    chan struct{}
	once    sync.Once

	recorded atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

func NewAuditRecorder(store AuditStore, l logger.Logger, opts AuditOptions) *AuditRecorder {
	if l == nil {
		l = logger.NewNullLogger()
	}
	opts = opts.withDefaults()
	r := &AuditRecorder{
		store:   store,
		logger:  l,
		opts:    opts,
		ch:      make(chan *AuditEntry, opts.BufferSize),
		stopCh:  make(chan struct{}),
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues entry.
func (r *AuditRecorder) Record(entry *AuditEntry) {
	select {
	case r.ch <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Error("audit buffer full, decision dropped",
			"tenant", entry.TenantID, "principal", entry.PrincipalID,
			"resource", entry.Resource, "correlation_id", entry.CorrelationID)
	}
}

func (r *AuditRecorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, r.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.write(batch)
		batch = make([]*AuditEntry, 0, r.opts.BatchSize)
	}
	drain := func() {
		for {
			select {
			case e := <-r.ch:
				batch = append(batch, e)
				if len(batch) >= r.opts.BatchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}
	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-r.flushCh:
			drain()
			close(ack)
		case <-r.stopCh:
			drain()
			return
		}
	}
}

func (r *AuditRecorder) write(batch []*AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	if err := r.store.LogDecisions(ctx, batch); err != nil {
		r.failed.Add(int64(len(batch)))
		r.logger.Error("audit write failed", "entries", len(batch), "error", err)
		return
	}
	r.recorded.Add(int64(len(batch)))
}

// Flush blocks until everything queued before the call is written.
func (r *AuditRecorder) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case r.flushCh <- ack:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker.
func (r *AuditRecorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.stopCh) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats computes aggregate figures for tenantID over [from, to).
func (r *AuditRecorder) Stats(ctx context.Context, tenantID string, from, to time.Time) (AuditStats, error) {
	if !to.IsZero() && to.Before(from) {
		return AuditStats{}, invalid("window", "end %s before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	s, err := r.store.Stats(ctx, tenantID, from, to)
	if err != nil {
		return AuditStats{}, fmt.Errorf("%w: audit stats: %v", ErrStoreUnavailable, err)
	}
	return s, nil
}

// ListDecisions reads back the trail.
func (r *AuditRecorder) ListDecisions(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	return r.store.ListDecisions(ctx, filter)
}

// RecorderCounters reports writer health.
type RecorderCounters struct {
	Recorded int64 `json:"recorded"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
}

func (r *AuditRecorder) Counters() RecorderCounters {
	return RecorderCounters{Recorded: r.recorded.Load(), Dropped: r.dropped.Load(), Failed: r.failed.Load()}
}
