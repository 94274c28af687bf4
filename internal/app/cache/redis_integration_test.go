//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis_RoundTripAndInvalidate(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	c := NewRedis(client, "nanolink:test", nil)

	entry := Entry{LinkID: "id-1", URL: "https://example.com", CachedAt: time.Now()}
	c.Put(ctx, "promo", entry, time.Minute)

	got, ok := c.Get(ctx, "promo")
	if !ok || got.LinkID != "id-1" || got.URL != "https://example.com" {
		t.Fatalf("expected cached entry, got %+v ok=%v", got, ok)
	}

	if ttl := client.TTL(ctx, "nanolink:test:promo").Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl within a minute, got %s", ttl)
	}

	if err := c.Invalidate(ctx, "promo"); err != nil {
		t.Fatalf("Invalidate returned error: %v", err)
	}
	if _, ok := c.Get(ctx, "promo"); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestRedis_MalformedEntryIsDropped(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	c := NewRedis(client, "nanolink:test", nil)

	if err := client.Set(ctx, "nanolink:test:bad", "{not json", time.Minute).Err(); err != nil {
		t.Fatalf("failed to seed bad entry: %v", err)
	}
	if _, ok := c.Get(ctx, "bad"); ok {
		t.Fatal("expected malformed entry to read as a miss")
	}
	if n := client.Exists(ctx, "nanolink:test:bad").Val(); n != 0 {
		t.Fatalf("expected malformed entry to be deleted, exists=%d", n)
	}
}

func TestTiered_SharedTierFillsLocal(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	writer := NewTiered(NewMemory(16), NewRedis(client, "nanolink:test", nil), time.Minute)
	reader := NewTiered(NewMemory(16), NewRedis(client, "nanolink:test", nil), time.Minute)

	writer.Put(ctx, "shared", Entry{LinkID: "id-2", URL: "https://b.example", CachedAt: time.Now()}, time.Minute)

	if got, ok := reader.Get(ctx, "shared"); !ok || got.URL != "https://b.example" {
		t.Fatalf("expected second instance to see shared entry, got %+v ok=%v", got, ok)
	}
	if err := writer.Invalidate(ctx, "shared"); err != nil {
		t.Fatalf("Invalidate returned error: %v", err)
	}
	if _, ok := NewRedis(client, "nanolink:test", nil).Get(ctx, "shared"); ok {
		t.Fatal("expected shared tier to be cleared")
	}
}

func TestRedis_PutIfCurrentRejectsFillAfterInvalidate(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	c := NewRedis(client, "nanolink:test", nil)

	stamp := c.Stamp(ctx, "promo")
	if err := c.Invalidate(ctx, "promo"); err != nil {
		t.Fatalf("Invalidate returned error: %v", err)
	}
	if c.PutIfCurrent(ctx, "promo", stamp, Entry{LinkID: "id-1", URL: "https://old.example"}, time.Minute) {
		t.Fatal("fill read before the invalidation must be rejected")
	}
	if _, ok := c.Get(ctx, "promo"); ok {
		t.Fatal("expected miss after rejected fill")
	}

	fresh := c.Stamp(ctx, "promo")
	if !c.PutIfCurrent(ctx, "promo", fresh, Entry{LinkID: "id-1", URL: "https://new.example"}, time.Minute) {
		t.Fatal("fill read after the invalidation must be stored")
	}
	if got, ok := c.Get(ctx, "promo"); !ok || got.URL != "https://new.example" {
		t.Fatalf("expected new entry, got %+v ok=%v", got, ok)
	}
}

func TestRedis_InvalidationReachesOtherInstances(t *testing.T) {
	client := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherLocal := NewMemory(16)
	otherShared := NewRedis(client, "nanolink:test", nil)
	other := NewTiered(otherLocal, otherShared, time.Minute)

	watching := make(chan error, 1)
	go func() {
		watching <- otherShared.WatchInvalidations(ctx, func(code string) {
			_ = otherLocal.Invalidate(context.Background(), code)
		})
	}()

	editor := NewTiered(NewMemory(16), NewRedis(client, "nanolink:test", nil), time.Minute)
	editor.Put(ctx, "shared", Entry{LinkID: "id-3", URL: "https://old.example", CachedAt: time.Now()}, time.Minute)

	if _, ok := other.Get(ctx, "shared"); !ok {
		t.Fatal("expected other instance to fill its local tier")
	}
	if _, ok := otherLocal.Get(ctx, "shared"); !ok {
		t.Fatal("expected entry in other instance's local tier")
	}

	// The subscription may still be starting; keep invalidating until the
	// other instance reacts.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := editor.Invalidate(ctx, "shared"); err != nil {
			t.Fatalf("Invalidate returned error: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if _, ok := otherLocal.Get(ctx, "shared"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("other instance kept its local copy after invalidate")
		}
	}

	cancel()
	if err := <-watching; err != nil {
		t.Fatalf("WatchInvalidations returned error: %v", err)
	}
}
