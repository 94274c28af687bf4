package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sifan077/NanoLink/internal/app/model"
)

// MemoryLinkRepository keeps links in process. It backs tests and the
// "memory" store driver; every method is safe for concurrent use and returns
// copies so callers cannot bypass ApplyClickDelta.
type MemoryLinkRepository struct {
	mu     sync.RWMutex
	byID   map[string]*model.Link
	byCode map[string]string
	now    func() time.Time
}

// NewMemoryLinkRepository returns an empty in-memory repository.
func NewMemoryLinkRepository() *MemoryLinkRepository {
	return &MemoryLinkRepository{
		byID:   make(map[string]*model.Link),
		byCode: make(map[string]string),
		now:    time.Now,
	}
}

var _ LinkRepository = (*MemoryLinkRepository)(nil)

func (r *MemoryLinkRepository) Create(ctx context.Context, link *model.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCode[link.ShortCode]; exists {
		return ErrDuplicateCode
	}

	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	now := r.now()
	link.ClickCount = 0
	link.CreatedAt = now
	link.UpdatedAt = now

	stored := cloneLink(link)
	r.byID[stored.ID] = stored
	r.byCode[stored.ShortCode] = stored.ID
	return nil
}

func (r *MemoryLinkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCode[code]
	if !ok {
		return nil, ErrLinkNotFound
	}
	return cloneLink(r.byID[id]), nil
}

func (r *MemoryLinkRepository) GetByID(ctx context.Context, id string) (*model.Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.byID[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	return cloneLink(link), nil
}

func (r *MemoryLinkRepository) ApplyClickDelta(ctx context.Context, id string, delta int64) error {
	if delta <= 0 {
		return ErrInvalidDelta
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.byID[id]
	if !ok {
		return ErrLinkNotFound
	}
	link.ClickCount += delta
	return nil
}

func (r *MemoryLinkRepository) Update(ctx context.Context, id string, update model.LinkUpdate) (*model.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.byID[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	if update.Empty() {
		return cloneLink(link), nil
	}

	if update.OriginalURL != nil {
		link.OriginalURL = *update.OriginalURL
	}
	if update.MetaTitle != nil {
		link.MetaTitle = stringPtr(*update.MetaTitle)
	}
	if update.Favicon != nil {
		link.Favicon = stringPtr(*update.Favicon)
	}
	link.UpdatedAt = r.now()

	return cloneLink(link), nil
}

func (r *MemoryLinkRepository) FillMetadata(ctx context.Context, id string, fill model.MetadataFill) (*model.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.byID[id]
	if !ok || link.OriginalURL != fill.URL {
		return nil, ErrLinkNotFound
	}

	changed := false
	if link.MetaTitle == nil || *link.MetaTitle == fill.URL {
		link.MetaTitle = stringPtr(fill.Title)
		changed = true
	}
	if link.Favicon == nil && fill.Icon != nil {
		link.Favicon = stringPtr(*fill.Icon)
		changed = true
	}
	if changed {
		link.UpdatedAt = r.now()
	}
	return cloneLink(link), nil
}

func (r *MemoryLinkRepository) Delete(ctx context.Context, id string) (*model.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.byID[id]
	if !ok {
		return nil, ErrLinkNotFound
	}
	delete(r.byID, id)
	delete(r.byCode, link.ShortCode)
	return link, nil
}

func (r *MemoryLinkRepository) ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]model.Link, error) {
	filter = filter.normalize()
	search := strings.ToLower(filter.Search)

	r.mu.RLock()
	matched := make([]model.Link, 0)
	for _, link := range r.byID {
		if link.Owner != owner {
			continue
		}
		if search != "" && !matchesSearch(link, search) {
			continue
		}
		matched = append(matched, *cloneLink(link))
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []model.Link{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}

func (r *MemoryLinkRepository) ListCodes(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.byCode))
	for code := range r.byCode {
		codes = append(codes, code)
	}
	return codes, nil
}

func (r *MemoryLinkRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func matchesSearch(link *model.Link, search string) bool {
	if strings.Contains(strings.ToLower(link.ShortCode), search) ||
		strings.Contains(strings.ToLower(link.OriginalURL), search) {
		return true
	}
	return link.MetaTitle != nil && strings.Contains(strings.ToLower(*link.MetaTitle), search)
}

func cloneLink(link *model.Link) *model.Link {
	cp := *link
	if link.MetaTitle != nil {
		cp.MetaTitle = stringPtr(*link.MetaTitle)
	}
	if link.Favicon != nil {
		cp.Favicon = stringPtr(*link.Favicon)
	}
	return &cp
}

func stringPtr(s string) *string {
	return &s
}
