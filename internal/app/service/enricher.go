package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sifan077/NanoLink/internal/app/model"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/infra/metrics"
	"go.uber.org/zap"
)

const (
	enrichResultUpdated = "updated"
	enrichResultGone    = "gone"
	enrichResultFailed  = "failed"
	enrichResultDropped = "dropped"

	defaultEnrichTimeout = 10 * time.Second
)

// Enricher accepts metadata jobs for newly created links. Enqueue must not
// block the caller.
type Enricher interface {
	Enqueue(job model.EnrichJob)
}

// MetadataScraper fetches page metadata. Implementations never fail and
// return a fallback instead.
type MetadataScraper interface {
	Scrape(ctx context.Context, url string) model.Metadata
}

// LinkMetaWriter is the slice of the link store enrichment needs.
type LinkMetaWriter interface {
	FillMetadata(ctx context.Context, id string, fill model.MetadataFill) (*model.Link, error)
}

// NopEnricher discards every job.
type NopEnricher struct{}

func (NopEnricher) Enqueue(model.EnrichJob) {}

// enrichLink scrapes job.URL and fills the link's fallback metadata. Titles
// and icons the owner set in the meantime are kept, and a link that was
// deleted or pointed elsewhere reports ErrLinkNotFound.
func enrichLink(ctx context.Context, links LinkMetaWriter, scraper MetadataScraper, job model.EnrichJob) error {
	meta := scraper.Scrape(ctx, job.URL)
	_, err := links.FillMetadata(ctx, job.LinkID, model.MetadataFill{
		URL:   job.URL,
		Title: meta.Title,
		Icon:  meta.Icon,
	})
	return err
}

// AsyncEnricher runs enrichment jobs on an in-process worker pool.
type AsyncEnricher struct {
	links   LinkMetaWriter
	scraper MetadataScraper
	timeout time.Duration
	workers int
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	jobs   chan model.EnrichJob
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAsyncEnricher builds a pool of workers fed by a queue of queueSize jobs.
func NewAsyncEnricher(links LinkMetaWriter, scraper MetadataScraper, workers, queueSize int, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *AsyncEnricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = defaultEnrichTimeout
	}
	return &AsyncEnricher{
		links:   links,
		scraper: scraper,
		timeout: timeout,
		workers: workers,
		logger:  logger,
		metrics: m,
		jobs:    make(chan model.EnrichJob, queueSize),
	}
}

// Start launches the workers.
func (e *AsyncEnricher) Start() {
	e.once.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.work()
		}
	})
}

// Enqueue hands job to the pool, dropping it when the queue is full.
func (e *AsyncEnricher) Enqueue(job model.EnrichJob) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.metrics.Enrichment(enrichResultDropped)
		return
	}
	select {
	case e.jobs <- job:
	default:
		e.metrics.Enrichment(enrichResultDropped)
		e.logger.Warn("enrichment queue full, keeping fallback metadata", zap.String("link_id", job.LinkID))
	}
}

func (e *AsyncEnricher) work() {
	defer e.wg.Done()
	for job := range e.jobs {
		e.process(job)
	}
}

func (e *AsyncEnricher) process(job model.EnrichJob) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	err := enrichLink(ctx, e.links, e.scraper, job)
	switch {
	case err == nil:
		e.metrics.Enrichment(enrichResultUpdated)
	case errors.Is(err, repository.ErrLinkNotFound):
		e.metrics.Enrichment(enrichResultGone)
	default:
		e.metrics.Enrichment(enrichResultFailed)
		e.logger.Warn("failed to store link metadata", zap.String("link_id", job.LinkID), zap.Error(err))
	}
}

// Stop refuses new jobs and waits for queued ones to finish or ctx to expire.
func (e *AsyncEnricher) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
