package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/NanoLink/internal/app/cache"
	"github.com/sifan077/NanoLink/internal/app/model"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/app/service"
	"github.com/sifan077/NanoLink/internal/http/middleware"
)

// flakyStore wraps the in-memory store and can fail lookups or click deltas.
type flakyStore struct {
	*repository.MemoryLinkRepository

	mu          sync.Mutex
	failLookups bool
	failDeltas  bool
	deltaCalls  int
	lookupCalls int
}

func (s *flakyStore) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	s.mu.Lock()
	s.lookupCalls++
	fail := s.failLookups
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.MemoryLinkRepository.GetByCode(ctx, code)
}

func (s *flakyStore) ApplyClickDelta(ctx context.Context, id string, delta int64) error {
	s.mu.Lock()
	s.deltaCalls++
	fail := s.failDeltas
	s.mu.Unlock()
	if fail {
		return errors.New("write failed")
	}
	return s.MemoryLinkRepository.ApplyClickDelta(ctx, id, delta)
}

type harness struct {
	server *Server
	store  *flakyStore
	clicks *service.ClickAccumulator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &flakyStore{MemoryLinkRepository: repository.NewMemoryLinkRepository()}
	resolverCache := cache.NewMemory(1000)
	clicks := service.NewClickAccumulator(store, service.AccumulatorConfig{
		QueueSize:      4096,
		FlushThreshold: 4096,
		FlushInterval:  time.Hour,
		MaxRetries:     3,
	}, nil, nil)

	srv := New(Dependencies{
		Resolver: service.NewResolver(service.ResolverDeps{Links: store, Cache: resolverCache, CacheTTL: time.Minute}),
		Clicks:   clicks,
		LinkService: service.NewLinkService(service.LinkServiceDeps{
			Links: store,
			Cache: resolverCache,
			Codes: service.NewCodeGenerator(7, 1024, 0.01),
		}),
		Store: store,
	})
	return &harness{server: srv, store: store, clicks: clicks}
}

func (h *harness) create(t *testing.T, code, url string) model.Link {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"url": url, "code": code})
	req := httptest.NewRequest("POST", "/api/links", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.OwnerHeader, "alice")
	resp, err := h.server.App().Test(req)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var link model.Link
	if err := json.Unmarshal(body, &link); err != nil {
		t.Fatalf("decode link: %v", err)
	}
	return link
}

func (h *harness) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := h.server.App().Test(httptest.NewRequest("GET", path, nil), -1)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp.StatusCode, resp.Header.Get("Location")
}

func TestServer_ConcurrentRedirectsAreAllCounted(t *testing.T) {
	h := newHarness(t)
	link := h.create(t, "abc123", "https://example.com")

	const n = 1000
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []string
	)
	sem := make(chan struct{}, 64)
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := h.server.App().Test(httptest.NewRequest("GET", "/abc123", nil), -1)
			if err != nil {
				mu.Lock()
				failures = append(failures, err.Error())
				mu.Unlock()
				return
			}
			if resp.StatusCode != fiber.StatusFound || resp.Header.Get("Location") != "https://example.com" {
				mu.Lock()
				failures = append(failures, resp.Status)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(failures) > 0 {
		t.Fatalf("%d redirects failed, first: %s", len(failures), failures[0])
	}

	h.clicks.Flush(context.Background())

	stored, err := h.store.GetByID(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.ClickCount != n {
		t.Fatalf("expected click_count %d, got %d", n, stored.ClickCount)
	}
}

func TestServer_UnknownCodeDoesNotMutate(t *testing.T) {
	h := newHarness(t)

	status, _ := h.get(t, "/doesnotexist")
	if status != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	h.clicks.Flush(context.Background())
	if h.store.deltaCalls != 0 {
		t.Fatalf("expected no click writes, got %d", h.store.deltaCalls)
	}
	if stats := h.clicks.Stats(); stats.Recorded != 0 {
		t.Fatalf("expected no recorded clicks, got %+v", stats)
	}
}

func TestServer_StoreOutageIsNot404(t *testing.T) {
	h := newHarness(t)
	h.create(t, "down", "https://example.com")
	h.store.failLookups = true

	status, _ := h.get(t, "/down")
	if status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 during a store outage, got %d", status)
	}
}

func TestServer_RedirectSurvivesFailingClickWrites(t *testing.T) {
	h := newHarness(t)
	h.create(t, "sturdy", "https://example.com")
	h.store.failDeltas = true

	status, loc := h.get(t, "/sturdy")
	if status != fiber.StatusFound || loc != "https://example.com" {
		t.Fatalf("expected 302 to example.com, got %d %q", status, loc)
	}
	report := h.clicks.Flush(context.Background())
	if report.Retrying != 1 {
		t.Fatalf("expected the failed delta to be retried later, got %+v", report)
	}
}

func TestServer_EditIsVisibleToNextRedirect(t *testing.T) {
	h := newHarness(t)
	link := h.create(t, "moving", "https://old.example.com")

	if _, loc := h.get(t, "/moving"); loc != "https://old.example.com" {
		t.Fatalf("expected old destination, got %q", loc)
	}

	raw, _ := json.Marshal(map[string]string{"url": "https://new.example.com"})
	req := httptest.NewRequest("PATCH", "/api/links/"+link.ID, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.OwnerHeader, "alice")
	resp, err := h.server.App().Test(req)
	if err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("PATCH failed: %v %v", err, resp)
	}

	if _, loc := h.get(t, "/moving"); loc != "https://new.example.com" {
		t.Fatalf("expected new destination right after the edit, got %q", loc)
	}
}

func TestServer_DuplicateCustomCodeKeepsFirst(t *testing.T) {
	h := newHarness(t)
	h.create(t, "promo", "https://a.example.com")

	raw, _ := json.Marshal(map[string]string{"url": "https://b.example.com", "code": "promo"})
	req := httptest.NewRequest("POST", "/api/links", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.OwnerHeader, "bob")
	resp, err := h.server.App().Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	if _, loc := h.get(t, "/promo"); loc != "https://a.example.com" {
		t.Fatalf("expected first destination, got %q", loc)
	}
}

func TestServer_OperationalRoutesWinOverCodes(t *testing.T) {
	h := newHarness(t)

	if status, _ := h.get(t, "/health"); status != fiber.StatusOK {
		t.Fatalf("expected /health to be served, got %d", status)
	}
	if status, _ := h.get(t, "/ready"); status != fiber.StatusOK {
		t.Fatalf("expected /ready to be served, got %d", status)
	}
	h.get(t, "/health")
	if h.store.lookupCalls != 0 {
		t.Fatalf("operational routes must not hit the resolver, got %d lookups", h.store.lookupCalls)
	}
}
