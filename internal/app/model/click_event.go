package model

import "time"

// ClickEvent is a single redirect waiting to be counted. It only lives in the
// click accumulator's queue and is never stored on its own.
type ClickEvent struct {
	LinkID    string
	Timestamp time.Time
}

// EnrichJob asks a worker to scrape metadata for a freshly created link.
type EnrichJob struct {
	LinkID    string    `json:"link_id"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EnrichStreamName     = "ENRICH"
	EnrichStreamSubject  = "links.enrich"
	EnrichConsumerName   = "link-enricher"
	EnrichStreamMaxBytes = 1024 * 1024 * 64 // 64MB
)
