package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/NanoLink/internal/app/model"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/infra/metrics"
	"go.uber.org/zap"
)

const (
	enrichFetchBatch = 10
	enrichFetchWait  = 5 * time.Second
	enrichNakDelay   = 5 * time.Second
)

// EnrichPublisher hands enrichment jobs to a JetStream work queue.
type EnrichPublisher struct {
	js      nats.JetStreamContext
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEnrichPublisher creates a publisher on js.
func NewEnrichPublisher(js nats.JetStreamContext, logger *zap.Logger, m *metrics.Metrics) *EnrichPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrichPublisher{js: js, logger: logger, metrics: m}
}

// Enqueue publishes job asynchronously. Failures only cost the enrichment,
// the link keeps its fallback metadata.
func (p *EnrichPublisher) Enqueue(job model.EnrichJob) {
	data, err := json.Marshal(job)
	if err != nil {
		p.logger.Error("failed to encode enrich job", zap.String("link_id", job.LinkID), zap.Error(err))
		p.metrics.Enrichment(enrichResultDropped)
		return
	}

	if _, err := p.js.PublishAsync(model.EnrichStreamSubject, data); err != nil {
		p.logger.Warn("failed to publish enrich job", zap.String("link_id", job.LinkID), zap.Error(err))
		p.metrics.Enrichment(enrichResultDropped)
	}
}

// Flush waits for outstanding publishes to be acknowledged or ctx to expire.
func (p *EnrichPublisher) Flush(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnrichConsumer pulls jobs from the work queue and stores scraped metadata.
type EnrichConsumer struct {
	sub     *nats.Subscription
	links   LinkMetaWriter
	scraper MetadataScraper
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewEnrichConsumer binds a pull subscription to the durable enrich consumer.
// The stream and consumer must already exist.
func NewEnrichConsumer(js nats.JetStreamContext, links LinkMetaWriter, scraper MetadataScraper, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) (*EnrichConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultEnrichTimeout
	}
	sub, err := js.PullSubscribe(model.EnrichStreamSubject, model.EnrichConsumerName, nats.Bind(model.EnrichStreamName, model.EnrichConsumerName))
	if err != nil {
		return nil, err
	}
	return &EnrichConsumer{
		sub:     sub,
		links:   links,
		scraper: scraper,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start runs the fetch loop in the background.
func (c *EnrichConsumer) Start() {
	go c.consume()
}

// Stop ends the fetch loop after the current batch.
func (c *EnrichConsumer) Stop(ctx context.Context) error {
	c.once.Do(func() { close(c.stop) })
	select {
	case <-c.done:
		return c.sub.Unsubscribe()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *EnrichConsumer) consume() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		msgs, err := c.sub.Fetch(enrichFetchBatch, nats.MaxWait(enrichFetchWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			c.logger.Error("failed to fetch enrich jobs", zap.Error(err))
			select {
			case <-c.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			c.handle(msg)
		}
	}
}

func (c *EnrichConsumer) handle(msg *nats.Msg) {
	var job model.EnrichJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		c.logger.Error("discarding malformed enrich job", zap.Error(err))
		_ = msg.Term()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err := enrichLink(ctx, c.links, c.scraper, job)
	switch {
	case err == nil:
		c.metrics.Enrichment(enrichResultUpdated)
		_ = msg.Ack()
	case errors.Is(err, repository.ErrLinkNotFound):
		c.metrics.Enrichment(enrichResultGone)
		_ = msg.Ack()
	default:
		c.metrics.Enrichment(enrichResultFailed)
		c.logger.Warn("failed to store link metadata, redelivering",
			zap.String("link_id", job.LinkID),
			zap.Error(err),
		)
		_ = msg.NakWithDelay(enrichNakDelay)
	}
}
