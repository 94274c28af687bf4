// Package cache holds the resolver cache: a weakly consistent short code to
// destination mapping in front of the link store. Entries may disappear at
// any time; the store stays authoritative.
package cache

import (
	"context"
	"time"
)

// Entry is what a redirect needs from a link.
type Entry struct {
	LinkID   string    `json:"link_id"`
	URL      string    `json:"url"`
	CachedAt time.Time `json:"cached_at"`
}

// tombstoneTTL is how long an invalidation is remembered. Fills racing an
// invalidation are only rejected inside this window, so it must outlast the
// slowest store lookup.
const tombstoneTTL = time.Minute

// Stamp identifies the invalidation generation of a code in each tier. Take
// it before reading the store and hand it back to PutIfCurrent; a fill whose
// stamp predates an invalidation is dropped.
type Stamp struct {
	local         uint64
	shared        uint64
	sharedUnknown bool
}

// ResolverCache is implemented by every cache tier.
type ResolverCache interface {
	Get(ctx context.Context, code string) (Entry, bool)
	Put(ctx context.Context, code string, entry Entry, ttl time.Duration)
	Invalidate(ctx context.Context, code string) error
	Stamp(ctx context.Context, code string) Stamp
	PutIfCurrent(ctx context.Context, code string, stamp Stamp, entry Entry, ttl time.Duration) bool
}

// Nop disables caching. Every lookup misses.
type Nop struct{}

func (Nop) Get(context.Context, string) (Entry, bool) { return Entry{}, false }

func (Nop) Put(context.Context, string, Entry, time.Duration) {}

func (Nop) Invalidate(context.Context, string) error { return nil }

func (Nop) Stamp(context.Context, string) Stamp { return Stamp{} }

func (Nop) PutIfCurrent(context.Context, string, Stamp, Entry, time.Duration) bool { return false }

// Tiered reads through a process-local tier before a shared one. Writes and
// invalidations go to both.
type Tiered struct {
	local    ResolverCache
	remote   ResolverCache
	localTTL time.Duration
	now      func() time.Time
}

// NewTiered composes a local and a remote tier. Entries found only in the
// remote tier are copied into the local tier for what is left of localTTL.
func NewTiered(local, remote ResolverCache, localTTL time.Duration) *Tiered {
	return &Tiered{local: local, remote: remote, localTTL: localTTL, now: time.Now}
}

func (t *Tiered) Get(ctx context.Context, code string) (Entry, bool) {
	if entry, ok := t.local.Get(ctx, code); ok {
		return entry, true
	}
	stamp := t.local.Stamp(ctx, code)
	entry, ok := t.remote.Get(ctx, code)
	if !ok {
		return Entry{}, false
	}
	if remaining := t.localTTL - t.now().Sub(entry.CachedAt); remaining > 0 {
		t.local.PutIfCurrent(ctx, code, stamp, entry, remaining)
	}
	return entry, true
}

func (t *Tiered) Put(ctx context.Context, code string, entry Entry, ttl time.Duration) {
	t.local.Put(ctx, code, entry, ttl)
	t.remote.Put(ctx, code, entry, ttl)
}

// Stamp combines the local generation with the shared one.
func (t *Tiered) Stamp(ctx context.Context, code string) Stamp {
	local := t.local.Stamp(ctx, code)
	shared := t.remote.Stamp(ctx, code)
	return Stamp{local: local.local, shared: shared.shared, sharedUnknown: shared.sharedUnknown}
}

// PutIfCurrent fills each tier that has not been invalidated since stamp was
// taken. It reports whether the local tier accepted the entry.
func (t *Tiered) PutIfCurrent(ctx context.Context, code string, stamp Stamp, entry Entry, ttl time.Duration) bool {
	stored := t.local.PutIfCurrent(ctx, code, stamp, entry, ttl)
	t.remote.PutIfCurrent(ctx, code, stamp, entry, ttl)
	return stored
}

func (t *Tiered) Invalidate(ctx context.Context, code string) error {
	localErr := t.local.Invalidate(ctx, code)
	if err := t.remote.Invalidate(ctx, code); err != nil {
		return err
	}
	return localErr
}
