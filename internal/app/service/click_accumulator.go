package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sifan077/NanoLink/internal/app/model"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/infra/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	dropReasonOverflow = "overflow"
	dropReasonShutdown = "shutdown"

	closeRetryDelay = 100 * time.Millisecond
)

// ClickStore is the slice of the link store the accumulator writes to.
type ClickStore interface {
	ApplyClickDelta(ctx context.Context, id string, delta int64) error
}

// AccumulatorConfig tunes batching and retry behaviour.
type AccumulatorConfig struct {
	QueueSize      int
	FlushInterval  time.Duration
	FlushThreshold int
	MaxRetries     int
	WriteTimeout   time.Duration
	Concurrency    int
}

func (c AccumulatorConfig) withDefaults() AccumulatorConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 65536
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.FlushThreshold <= 0 || c.FlushThreshold > c.QueueSize {
		c.FlushThreshold = c.QueueSize / 2
		if c.FlushThreshold == 0 {
			c.FlushThreshold = 1
		}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// AccumulatorStats is a point-in-time view of the accumulator counters.
type AccumulatorStats struct {
	Queued          int   `json:"queued"`
	Pending         int64 `json:"pending_links"`
	Recorded        int64 `json:"recorded"`
	Dropped         int64 `json:"dropped_overflow"`
	ShutdownDropped int64 `json:"dropped_shutdown"`
	Flushed         int64 `json:"flushed"`
	Lost            int64 `json:"lost"`
	Orphaned        int64 `json:"orphaned"`
}

// FlushReport summarises one flush.
type FlushReport struct {
	Links    int
	Applied  int64
	Retrying int
	Lost     int64
	Orphaned int64
}

type pendingDelta struct {
	delta    int64
	attempts int
}

// ClickAccumulator decouples redirects from counter writes. Record never
// blocks; a background loop drains the queue, sums events per link and
// applies one delta per link to the store.
type ClickAccumulator struct {
	store   ClickStore
	cfg     AccumulatorConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu guards closed against in-flight Record calls so the final drain in
	// Close sees every accepted event.
	mu     sync.RWMutex
	closed bool
	queue  chan model.ClickEvent
	kick   chan struct{}

	flushMu sync.Mutex
	pending map[string]*pendingDelta

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}

	recorded        atomic.Int64
	dropped         atomic.Int64
	shutdownDropped atomic.Int64
	flushed         atomic.Int64
	lost            atomic.Int64
	orphaned        atomic.Int64
	pendingLinks    atomic.Int64
}

// NewClickAccumulator creates an accumulator writing to store. Call Start to
// run the periodic flush loop and Close to stop it.
func NewClickAccumulator(store ClickStore, cfg AccumulatorConfig, logger *zap.Logger, m *metrics.Metrics) *ClickAccumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &ClickAccumulator{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		queue:   make(chan model.ClickEvent, cfg.QueueSize),
		kick:    make(chan struct{}, 1),
		pending: make(map[string]*pendingDelta),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Record enqueues one click for linkID. It never blocks: when the queue is
// full or the accumulator is closed the event is dropped and counted.
func (a *ClickAccumulator) Record(linkID string) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.shutdownDropped.Add(1)
		a.metrics.ClickDropped(dropReasonShutdown)
		return
	}

	select {
	case a.queue <- model.ClickEvent{LinkID: linkID, Timestamp: a.now()}:
		a.recorded.Add(1)
		a.metrics.ClickRecorded()
		if len(a.queue) >= a.cfg.FlushThreshold {
			select {
			case a.kick <- struct{}{}:
			default:
			}
		}
	default:
		a.dropped.Add(1)
		a.metrics.ClickDropped(dropReasonOverflow)
	}
}

// Start begins the periodic flush loop.
func (a *ClickAccumulator) Start() {
	a.startOnce.Do(func() {
		a.started.Store(true)
		go a.run()
	})
}

func (a *ClickAccumulator) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Flush(context.Background())
		case <-a.kick:
			a.Flush(context.Background())
		case <-a.stop:
			a.logger.Info("click accumulator loop stopped")
			return
		}
	}
}

// Flush drains the queue and writes aggregated deltas, together with deltas
// kept from earlier failed flushes.
func (a *ClickAccumulator) Flush(ctx context.Context) FlushReport {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	start := a.now()
	a.drainLocked()

	report := FlushReport{Links: len(a.pending)}
	if len(a.pending) == 0 {
		return report
	}

	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	results := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for i, id := range ids {
		delta := a.pending[id].delta
		g.Go(func() error {
			writeCtx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
			defer cancel()
			results[i] = a.store.ApplyClickDelta(writeCtx, id, delta)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		p := a.pending[id]
		err := results[i]
		switch {
		case err == nil:
			report.Applied += p.delta
			delete(a.pending, id)
		case errors.Is(err, repository.ErrLinkNotFound):
			report.Orphaned += p.delta
			delete(a.pending, id)
		default:
			p.attempts++
			a.metrics.FlushFailure()
			if p.attempts >= a.cfg.MaxRetries {
				report.Lost += p.delta
				delete(a.pending, id)
				a.logger.Error("dropping clicks after exhausting retries",
					zap.String("link_id", id),
					zap.Int64("clicks", p.delta),
					zap.Int("attempts", p.attempts),
					zap.Error(err),
				)
				continue
			}
			report.Retrying++
			a.logger.Warn("failed to apply click delta, will retry",
				zap.String("link_id", id),
				zap.Int64("clicks", p.delta),
				zap.Int("attempt", p.attempts),
				zap.Error(err),
			)
		}
	}

	a.pendingLinks.Store(int64(len(a.pending)))
	a.flushed.Add(report.Applied)
	a.lost.Add(report.Lost)
	a.orphaned.Add(report.Orphaned)
	a.metrics.ClicksFlushed(report.Applied)
	a.metrics.ClicksLost(report.Lost)
	a.metrics.ClicksOrphaned(report.Orphaned)
	a.metrics.ObserveFlush(a.now().Sub(start).Seconds())

	if report.Applied > 0 || report.Retrying > 0 {
		a.logger.Debug("click flush finished",
			zap.Int("links", report.Links),
			zap.Int64("applied", report.Applied),
			zap.Int("retrying", report.Retrying),
			zap.Int64("lost", report.Lost),
		)
	}
	return report
}

// drainLocked moves at most one queue's worth of events into pending, so a
// sustained burst cannot keep a flush draining forever.
func (a *ClickAccumulator) drainLocked() {
	for i := 0; i < cap(a.queue); i++ {
		select {
		case ev := <-a.queue:
			p, ok := a.pending[ev.LinkID]
			if !ok {
				p = &pendingDelta{}
				a.pending[ev.LinkID] = p
			}
			p.delta++
		default:
			return
		}
	}
}

// Close stops accepting clicks, stops the loop and flushes what is left,
// retrying failed deltas until they succeed, exhaust their retries or ctx
// expires. Clicks still pending when ctx expires are counted as lost.
func (a *ClickAccumulator) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		if a.started.Load() {
			close(a.stop)
			select {
			case <-a.done:
			case <-ctx.Done():
			}
		}

		for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
			a.Flush(ctx)
			if a.idle() {
				break
			}
			if !sleepCtx(ctx, closeRetryDelay) {
				break
			}
		}

		a.flushMu.Lock()
		var remaining int64
		for id, p := range a.pending {
			remaining += p.delta
			delete(a.pending, id)
		}
		a.pendingLinks.Store(0)
		a.flushMu.Unlock()

		if remaining > 0 {
			a.lost.Add(remaining)
			a.metrics.ClicksLost(remaining)
			a.logger.Error("clicks lost at shutdown", zap.Int64("clicks", remaining))
		}
		err = ctx.Err()
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *ClickAccumulator) idle() bool {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	return len(a.queue) == 0 && len(a.pending) == 0
}

// QueueDepth returns the number of events waiting in the queue.
func (a *ClickAccumulator) QueueDepth() float64 {
	return float64(len(a.queue))
}

// Stats returns the accumulator counters.
func (a *ClickAccumulator) Stats() AccumulatorStats {
	return AccumulatorStats{
		Queued:          len(a.queue),
		Pending:         a.pendingLinks.Load(),
		Recorded:        a.recorded.Load(),
		Dropped:         a.dropped.Load(),
		ShutdownDropped: a.shutdownDropped.Load(),
		Flushed:         a.flushed.Load(),
		Lost:            a.lost.Load(),
		Orphaned:        a.orphaned.Load(),
	}
}
