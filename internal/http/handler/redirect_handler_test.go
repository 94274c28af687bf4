package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/app/service"
)

type stubResolver struct {
	resolveFn func(ctx context.Context, code string) (service.Resolution, error)
	calls     int
}

func (s *stubResolver) Resolve(ctx context.Context, code string) (service.Resolution, error) {
	s.calls++
	return s.resolveFn(ctx, code)
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) Record(linkID string) {
	r.mu.Lock()
	r.ids = append(r.ids, linkID)
	r.mu.Unlock()
}

func newRedirectApp(res LinkResolver, clicks ClickRecorder) *fiber.App {
	app := fiber.New()
	NewRedirectHandler(RedirectDeps{Resolver: res, Clicks: clicks}).Register(app)
	return app
}

func TestRedirectHandler_Found(t *testing.T) {
	res := &stubResolver{resolveFn: func(ctx context.Context, code string) (service.Resolution, error) {
		return service.Resolution{LinkID: "id-1", URL: "https://example.com"}, nil
	}}
	clicks := &recorder{}
	app := newRedirectApp(res, clicks)

	resp, err := app.Test(httptest.NewRequest("GET", "/abc123", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://example.com" {
		t.Fatalf("expected Location https://example.com, got %q", loc)
	}
	if len(clicks.ids) != 1 || clicks.ids[0] != "id-1" {
		t.Fatalf("expected one click for id-1, got %v", clicks.ids)
	}
}

func TestRedirectHandler_NotFound(t *testing.T) {
	res := &stubResolver{resolveFn: func(ctx context.Context, code string) (service.Resolution, error) {
		return service.Resolution{}, repository.ErrLinkNotFound
	}}
	clicks := &recorder{}
	app := newRedirectApp(res, clicks)

	resp, err := app.Test(httptest.NewRequest("GET", "/doesnotexist", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if len(clicks.ids) != 0 {
		t.Fatalf("a miss must not record clicks, got %v", clicks.ids)
	}
}

func TestRedirectHandler_InvalidCodeSkipsLookup(t *testing.T) {
	res := &stubResolver{resolveFn: func(ctx context.Context, code string) (service.Resolution, error) {
		t.Fatalf("resolver called for invalid code %q", code)
		return service.Resolution{}, nil
	}}
	app := newRedirectApp(res, &recorder{})

	for _, path := range []string{"/favicon.ico", "/" + "abcdefghijklmnopqrstuvwxyz", "/bad%20code"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("app.Test error: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
	if res.calls != 0 {
		t.Fatalf("expected no lookups, got %d", res.calls)
	}
}

func TestRedirectHandler_BackendUnavailable(t *testing.T) {
	res := &stubResolver{resolveFn: func(ctx context.Context, code string) (service.Resolution, error) {
		return service.Resolution{}, fmt.Errorf("%w: %v", service.ErrBackendUnavailable, errors.New("timeout"))
	}}
	clicks := &recorder{}
	app := newRedirectApp(res, clicks)

	resp, err := app.Test(httptest.NewRequest("GET", "/abc123", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if len(clicks.ids) != 0 {
		t.Fatalf("a failed lookup must not record clicks, got %v", clicks.ids)
	}
}
