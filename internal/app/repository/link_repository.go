package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/NanoLink/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrLinkNotFound signals that the requested short link does not exist.
	ErrLinkNotFound = errors.New("link not found")
	// ErrDuplicateCode signals that another link already owns the short code.
	ErrDuplicateCode = errors.New("short code already exists")
	// ErrInvalidDelta rejects click deltas that would not increase the counter.
	ErrInvalidDelta = errors.New("click delta must be positive")
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	uniqueViolationCode = "23505"

	applyClickDeltaSQL = `UPDATE links SET click_count = click_count + $1 WHERE id = $2`
)

// LinkRepository defines the data access contract for short links.
type LinkRepository interface {
	Create(ctx context.Context, link *model.Link) error
	GetByCode(ctx context.Context, code string) (*model.Link, error)
	GetByID(ctx context.Context, id string) (*model.Link, error)
	ApplyClickDelta(ctx context.Context, id string, delta int64) error
	Update(ctx context.Context, id string, update model.LinkUpdate) (*model.Link, error)
	// FillMetadata stores scraped metadata without overwriting values the
	// owner set. A link whose URL changed since the scrape reads as not found.
	FillMetadata(ctx context.Context, id string, fill model.MetadataFill) (*model.Link, error)
	Delete(ctx context.Context, id string) (*model.Link, error)
	ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]model.Link, error)
	ListCodes(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// ListFilter narrows an owner's link listing.
type ListFilter struct {
	Search string
	Limit  int
	Offset int
}

func (f ListFilter) normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

type linkRepository struct {
	db   *gorm.DB
	pool *pgxpool.Pool
}

// NewLinkRepository returns a Postgres-backed LinkRepository. GORM serves the
// CRUD paths; the pgx pool, when given, runs the hot click delta statement.
func NewLinkRepository(db *gorm.DB, pool *pgxpool.Pool) LinkRepository {
	return &linkRepository{db: db, pool: pool}
}

func (r *linkRepository) Create(ctx context.Context, link *model.Link) error {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	link.ClickCount = 0

	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateCode
		}
		return err
	}
	return nil
}

func (r *linkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	var link model.Link
	if err := r.db.WithContext(ctx).Where("short_code = ?", code).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func (r *linkRepository) GetByID(ctx context.Context, id string) (*model.Link, error) {
	var link model.Link
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

func (r *linkRepository) ApplyClickDelta(ctx context.Context, id string, delta int64) error {
	if delta <= 0 {
		return ErrInvalidDelta
	}

	var affected int64
	if r.pool != nil {
		tag, err := r.pool.Exec(ctx, applyClickDeltaSQL, delta, id)
		if err != nil {
			return fmt.Errorf("apply click delta: %w", err)
		}
		affected = tag.RowsAffected()
	} else {
		result := r.db.WithContext(ctx).
			Model(&model.Link{}).
			Where("id = ?", id).
			UpdateColumn("click_count", gorm.Expr("click_count + ?", delta))
		if result.Error != nil {
			return fmt.Errorf("apply click delta: %w", result.Error)
		}
		affected = result.RowsAffected
	}

	if affected == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func (r *linkRepository) Update(ctx context.Context, id string, update model.LinkUpdate) (*model.Link, error) {
	if update.Empty() {
		return r.GetByID(ctx, id)
	}

	// click_count is deliberately absent so edits compose with deltas.
	fields := make(map[string]interface{}, 3)
	if update.OriginalURL != nil {
		fields["original_url"] = *update.OriginalURL
	}
	if update.MetaTitle != nil {
		fields["meta_title"] = *update.MetaTitle
	}
	if update.Favicon != nil {
		fields["favicon"] = *update.Favicon
	}

	var link model.Link
	result := r.db.WithContext(ctx).
		Model(&link).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Updates(fields)

	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrLinkNotFound
	}
	return &link, nil
}

func (r *linkRepository) FillMetadata(ctx context.Context, id string, fill model.MetadataFill) (*model.Link, error) {
	fields := map[string]interface{}{
		"meta_title": gorm.Expr("CASE WHEN meta_title IS NULL OR meta_title = ? THEN ? ELSE meta_title END", fill.URL, fill.Title),
	}
	if fill.Icon != nil {
		fields["favicon"] = gorm.Expr("COALESCE(favicon, ?)", *fill.Icon)
	}

	var link model.Link
	result := r.db.WithContext(ctx).
		Model(&link).
		Clauses(clause.Returning{}).
		Where("id = ? AND original_url = ?", id, fill.URL).
		Updates(fields)

	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrLinkNotFound
	}
	return &link, nil
}

func (r *linkRepository) Delete(ctx context.Context, id string) (*model.Link, error) {
	var link model.Link
	result := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Delete(&link)

	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrLinkNotFound
	}
	return &link, nil
}

func (r *linkRepository) ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]model.Link, error) {
	filter = filter.normalize()

	query := r.db.WithContext(ctx).Where("owner = ?", owner)
	if filter.Search != "" {
		like := "%" + escapeLike(filter.Search) + "%"
		query = query.Where(
			"short_code ILIKE ? OR original_url ILIKE ? OR meta_title ILIKE ?",
			like, like, like,
		)
	}

	var result []model.Link
	if err := query.
		Order("created_at DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&result).Error; err != nil {
		return nil, err
	}

	return result, nil
}

func (r *linkRepository) ListCodes(ctx context.Context) ([]string, error) {
	var codes []string
	if err := r.db.WithContext(ctx).Model(&model.Link{}).Pluck("short_code", &codes).Error; err != nil {
		return nil, err
	}
	return codes, nil
}

func (r *linkRepository) Ping(ctx context.Context) error {
	if r.pool != nil {
		return r.pool.Ping(ctx)
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
