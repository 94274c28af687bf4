package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sifan077/NanoLink/internal/app/cache"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/infra/metrics"
	"go.uber.org/zap"
)

const defaultLookupTimeout = 2 * time.Second

// Resolution is the outcome of a successful lookup.
type Resolution struct {
	LinkID string
	URL    string
	Cached bool
}

// ResolverDeps groups dependencies required by the resolver.
type ResolverDeps struct {
	Links         repository.LinkRepository
	Cache         cache.ResolverCache
	CacheTTL      time.Duration
	LookupTimeout time.Duration
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Resolver maps short codes to destinations: cache first, store on miss.
type Resolver struct {
	links   repository.LinkRepository
	cache   cache.ResolverCache
	ttl     time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewResolver creates a resolver with the provided dependencies.
func NewResolver(deps ResolverDeps) *Resolver {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := deps.Cache
	if c == nil {
		c = cache.Nop{}
	}
	timeout := deps.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Resolver{
		links:   deps.Links,
		cache:   c,
		ttl:     deps.CacheTTL,
		timeout: timeout,
		metrics: deps.Metrics,
		logger:  logger,
	}
}

// Resolve returns the destination for code. A missing link yields
// repository.ErrLinkNotFound; any other store failure, timeouts included,
// yields ErrBackendUnavailable.
func (r *Resolver) Resolve(ctx context.Context, code string) (Resolution, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveResolve(time.Since(start).Seconds()) }()

	if entry, ok := r.cache.Get(ctx, code); ok {
		r.metrics.CacheLookup(true)
		return Resolution{LinkID: entry.LinkID, URL: entry.URL, Cached: true}, nil
	}
	r.metrics.CacheLookup(false)

	// Taken before the read so an edit that lands during the lookup wins.
	stamp := r.cache.Stamp(ctx, code)

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	link, err := r.links.GetByCode(lookupCtx, code)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return Resolution{}, repository.ErrLinkNotFound
		}
		r.logger.Error("failed to load link", zap.String("code", code), zap.Error(err))
		return Resolution{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	entry := cache.Entry{LinkID: link.ID, URL: link.OriginalURL, CachedAt: start}
	r.cache.PutIfCurrent(ctx, code, stamp, entry, r.ttl)
	return Resolution{LinkID: link.ID, URL: link.OriginalURL}, nil
}
