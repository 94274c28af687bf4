package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sifan077/NanoLink/internal/app/cache"
	"github.com/sifan077/NanoLink/internal/app/model"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/infra/metrics"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 5

// LinkService defines owner-scoped management operations on links.
type LinkService interface {
	CreateLink(ctx context.Context, input CreateLinkInput) (*model.Link, error)
	GetLink(ctx context.Context, owner, id string) (*model.Link, error)
	ListLinks(ctx context.Context, owner string, filter repository.ListFilter) ([]model.Link, error)
	UpdateLink(ctx context.Context, owner, id string, input UpdateLinkInput) (*model.Link, error)
	DeleteLink(ctx context.Context, owner, id string) (*model.Link, error)
}

// CodeSource produces candidate short codes and learns codes that are taken.
type CodeSource interface {
	Generate() (string, error)
	Remember(code string)
}

// CreateLinkInput captures data required to create a link. An empty Code
// asks for a generated one.
type CreateLinkInput struct {
	Owner string
	URL   string
	Code  string
}

// UpdateLinkInput captures fields that can be changed on an existing link.
type UpdateLinkInput struct {
	URL       *string
	MetaTitle *string
	Favicon   *string
}

// LinkServiceDeps groups dependencies required by the link service.
type LinkServiceDeps struct {
	Links       repository.LinkRepository
	Cache       cache.ResolverCache
	Codes       CodeSource
	Enricher    Enricher
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	MaxAttempts int
}

type linkService struct {
	links       repository.LinkRepository
	cache       cache.ResolverCache
	codes       CodeSource
	enricher    Enricher
	metrics     *metrics.Metrics
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// NewLinkService returns a service implementation backed by the given dependencies.
func NewLinkService(deps LinkServiceDeps) LinkService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := deps.Cache
	if c == nil {
		c = cache.Nop{}
	}
	enricher := deps.Enricher
	if enricher == nil {
		enricher = NopEnricher{}
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &linkService{
		links:       deps.Links,
		cache:       c,
		codes:       deps.Codes,
		enricher:    enricher,
		metrics:     deps.Metrics,
		logger:      logger,
		maxAttempts: attempts,
		now:         time.Now,
	}
}

func (s *linkService) CreateLink(ctx context.Context, input CreateLinkInput) (*model.Link, error) {
	owner := strings.TrimSpace(input.Owner)
	if owner == "" {
		return nil, ErrMissingOwner
	}
	if err := ValidateURL(input.URL); err != nil {
		return nil, err
	}

	var (
		link *model.Link
		err  error
	)
	if input.Code != "" {
		link, err = s.createWithCode(ctx, owner, input.URL, input.Code)
	} else {
		link, err = s.createGenerated(ctx, owner, input.URL)
	}
	if err != nil {
		return nil, err
	}

	s.codes.Remember(link.ShortCode)
	s.metrics.LinkCreated()
	s.enricher.Enqueue(model.EnrichJob{LinkID: link.ID, URL: link.OriginalURL, Timestamp: s.now()})
	s.logger.Info("link created",
		zap.String("id", link.ID),
		zap.String("code", link.ShortCode),
		zap.String("owner", owner),
	)
	return link, nil
}

func (s *linkService) createWithCode(ctx context.Context, owner, url, code string) (*model.Link, error) {
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}
	if IsReservedCode(code) {
		return nil, ErrReservedCode
	}

	link := newLink(owner, url, code)
	if err := s.links.Create(ctx, link); err != nil {
		if errors.Is(err, repository.ErrDuplicateCode) {
			s.codes.Remember(code)
			return nil, err
		}
		return nil, fmt.Errorf("create link: %w", err)
	}
	return link, nil
}

func (s *linkService) createGenerated(ctx context.Context, owner, url string) (*model.Link, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}

		link := newLink(owner, url, code)
		err = s.links.Create(ctx, link)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, repository.ErrDuplicateCode) {
			return nil, fmt.Errorf("create link: %w", err)
		}

		s.metrics.CodeCollision()
		s.codes.Remember(code)
		s.logger.Debug("generated code collided", zap.String("code", code), zap.Int("attempt", attempt))
	}
	return nil, ErrGenerationExhausted
}

// newLink builds a link with the fallback metadata {title: url, icon: nil};
// enrichment replaces it later.
func newLink(owner, url, code string) *model.Link {
	title := url
	return &model.Link{
		ShortCode:   code,
		OriginalURL: url,
		Owner:       owner,
		MetaTitle:   &title,
	}
}

func (s *linkService) GetLink(ctx context.Context, owner, id string) (*model.Link, error) {
	return s.owned(ctx, owner, id)
}

func (s *linkService) ListLinks(ctx context.Context, owner string, filter repository.ListFilter) ([]model.Link, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, ErrMissingOwner
	}
	links, err := s.links.ListByOwner(ctx, owner, filter)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

func (s *linkService) UpdateLink(ctx context.Context, owner, id string, input UpdateLinkInput) (*model.Link, error) {
	if input.URL != nil {
		if err := ValidateURL(*input.URL); err != nil {
			return nil, err
		}
	}

	current, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	update := model.LinkUpdate{
		OriginalURL: input.URL,
		MetaTitle:   input.MetaTitle,
		Favicon:     input.Favicon,
	}
	if update.Empty() {
		return current, nil
	}

	link, err := s.links.Update(ctx, id, update)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update link: %w", err)
	}

	if err := s.invalidate(ctx, link.ShortCode); err != nil {
		return nil, err
	}
	return link, nil
}

func (s *linkService) DeleteLink(ctx context.Context, owner, id string) (*model.Link, error) {
	if _, err := s.owned(ctx, owner, id); err != nil {
		return nil, err
	}

	link, err := s.links.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delete link: %w", err)
	}

	if err := s.invalidate(ctx, link.ShortCode); err != nil {
		return nil, err
	}
	s.logger.Info("link deleted", zap.String("id", link.ID), zap.String("code", link.ShortCode))
	return link, nil
}

// owned loads id and hides links that belong to someone else.
func (s *linkService) owned(ctx context.Context, owner, id string) (*model.Link, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, ErrMissingOwner
	}
	link, err := s.links.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load link: %w", err)
	}
	if link.Owner != owner {
		return nil, repository.ErrLinkNotFound
	}
	return link, nil
}

// invalidate drops code from the resolver cache. The store write already
// happened, so a failure here is reported as transient and the caller may
// repeat the same request.
func (s *linkService) invalidate(ctx context.Context, code string) error {
	err := s.cache.Invalidate(ctx, code)
	s.metrics.CacheInvalidation(err)
	if err != nil {
		s.logger.Error("failed to invalidate cached code", zap.String("code", code), zap.Error(err))
		return fmt.Errorf("%w: invalidate %s: %v", ErrBackendUnavailable, code, err)
	}
	return nil
}
