package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Keys for generations live under "#", which never appears in a short code.
var (
	// KEYS: entry, generation. ARGV: expected generation, payload, ttl ms.
	putIfCurrentScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2])
if (current or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

	// KEYS: entry, generation, sequence. ARGV: tombstone ms, channel, code.
	invalidateScript = redis.NewScript(`
local gen = redis.call('INCR', KEYS[3])
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], gen, 'PX', ARGV[1])
redis.call('PUBLISH', ARGV[2], ARGV[3])
return gen
`)
)

// Redis is the shared tier, visible to every instance. Invalidations are
// broadcast so that other instances can drop their local copies.
type Redis struct {
	client       *redis.Client
	prefix       string
	tombstoneTTL time.Duration
	logger       *zap.Logger
}

// NewRedis returns a cache tier storing entries under prefix:<code>.
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, tombstoneTTL: tombstoneTTL, logger: logger}
}

func (r *Redis) key(code string) string {
	return r.prefix + ":" + code
}

func (r *Redis) genKey(code string) string {
	return r.prefix + ":#gen:" + code
}

func (r *Redis) seqKey() string {
	return r.prefix + ":#seq"
}

func (r *Redis) channel() string {
	return r.prefix + ":#invalidate"
}

// Get treats every Redis failure as a miss; the store answers instead.
func (r *Redis) Get(ctx context.Context, code string) (Entry, bool) {
	raw, err := r.client.Get(ctx, r.key(code)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis cache get failed", zap.String("code", code), zap.Error(err))
		}
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.logger.Warn("dropping malformed cache entry", zap.String("code", code), zap.Error(err))
		_ = r.client.Del(ctx, r.key(code)).Err()
		return Entry{}, false
	}
	return entry, true
}

func (r *Redis) Put(ctx context.Context, code string, entry Entry, ttl time.Duration) {
	data, ok := r.encode(code, entry, ttl)
	if !ok {
		return
	}
	if err := r.client.Set(ctx, r.key(code), data, ttl).Err(); err != nil {
		r.logger.Warn("redis cache put failed", zap.String("code", code), zap.Error(err))
	}
}

// Stamp reads the shared generation of code. When Redis cannot answer the
// stamp is marked unknown and every fill using it is skipped.
func (r *Redis) Stamp(ctx context.Context, code string) Stamp {
	gen, err := r.client.Get(ctx, r.genKey(code)).Uint64()
	switch {
	case err == nil:
		return Stamp{shared: gen}
	case errors.Is(err, redis.Nil):
		return Stamp{}
	default:
		r.logger.Warn("redis cache stamp failed", zap.String("code", code), zap.Error(err))
		return Stamp{sharedUnknown: true}
	}
}

// PutIfCurrent writes entry only while the shared generation still matches
// stamp. The check and the write run as one script.
func (r *Redis) PutIfCurrent(ctx context.Context, code string, stamp Stamp, entry Entry, ttl time.Duration) bool {
	if stamp.sharedUnknown {
		return false
	}
	data, ok := r.encode(code, entry, ttl)
	if !ok {
		return false
	}
	stored, err := putIfCurrentScript.Run(ctx, r.client,
		[]string{r.key(code), r.genKey(code)},
		strconv.FormatUint(stamp.shared, 10), data, ttl.Milliseconds(),
	).Int()
	if err != nil {
		r.logger.Warn("redis cache put failed", zap.String("code", code), zap.Error(err))
		return false
	}
	return stored == 1
}

// Invalidate deletes code, bumps its generation and announces it on the
// invalidation channel, all in one script.
func (r *Redis) Invalidate(ctx context.Context, code string) error {
	err := invalidateScript.Run(ctx, r.client,
		[]string{r.key(code), r.genKey(code), r.seqKey()},
		r.tombstoneTTL.Milliseconds(), r.channel(), code,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// WatchInvalidations calls onInvalidate for every code invalidated through
// this tier by any instance, until ctx ends. It returns once the
// subscription fails to start or ctx is done.
func (r *Redis) WatchInvalidations(ctx context.Context, onInvalidate func(code string)) error {
	sub := r.client.Subscribe(ctx, r.channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			onInvalidate(msg.Payload)
		}
	}
}

func (r *Redis) encode(code string, entry Entry, ttl time.Duration) ([]byte, bool) {
	if ttl <= 0 {
		return nil, false
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("failed to encode cache entry", zap.String("code", code), zap.Error(err))
		return nil, false
	}
	return data, true
}
