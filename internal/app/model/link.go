package model

import "time"

// Link describes the core short-link entity stored in Postgres.
//
// ClickCount is only ever changed through an atomic delta statement; edits
// go through partial updates that never touch it.
type Link struct {
	ID          string    `db:"id" json:"id" gorm:"primaryKey;size:36"`
	ShortCode   string    `db:"short_code" json:"short_code" gorm:"size:20;not null;uniqueIndex"`
	OriginalURL string    `db:"original_url" json:"original_url" gorm:"type:text;not null"`
	Owner       string    `db:"owner" json:"owner" gorm:"size:128;not null;index"`
	ClickCount  int64     `db:"click_count" json:"click_count" gorm:"not null;default:0;check:click_count >= 0"`
	MetaTitle   *string   `db:"meta_title" json:"meta_title" gorm:"type:text"`
	Favicon     *string   `db:"favicon" json:"favicon" gorm:"type:text"`
	CreatedAt   time.Time `db:"created_at" json:"created_at" gorm:"autoCreateTime;index"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at" gorm:"autoUpdateTime"`
}

// LinkUpdate carries the mutable fields of a link. Nil fields are left as is.
type LinkUpdate struct {
	OriginalURL *string
	MetaTitle   *string
	Favicon     *string
}

// Empty reports whether the update changes nothing.
func (u LinkUpdate) Empty() bool {
	return u.OriginalURL == nil && u.MetaTitle == nil && u.Favicon == nil
}

// MetadataFill is scraped metadata for a link that still points at URL. It
// only replaces the fallback title and a missing icon.
type MetadataFill struct {
	URL   string
	Title string
	Icon  *string
}

// Metadata is the best-effort enrichment scraped from a destination page.
type Metadata struct {
	Title string  `json:"title"`
	Icon  *string `json:"icon"`
}
