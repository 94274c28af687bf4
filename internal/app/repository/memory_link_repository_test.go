package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sifan077/NanoLink/internal/app/model"
)

func newLink(code, url, owner string) *model.Link {
	return &model.Link{ShortCode: code, OriginalURL: url, Owner: owner}
}

func TestMemoryLinkRepository_CreateAndResolve(t *testing.T) {
	repo := NewMemoryLinkRepository()
	ctx := context.Background()

	link := newLink("promo", "https://a.com", "user-1")
	if err := repo.Create(ctx, link); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if link.ID == "" {
		t.Fatal("expected id to be assigned")
	}

	err := repo.Create(ctx, newLink("promo", "https://b.com", "user-2"))
	if !errors.Is(err, ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}

	got, err := repo.GetByCode(ctx, "promo")
	if err != nil {
		t.Fatalf("GetByCode returned error: %v", err)
	}
	if got.OriginalURL != "https://a.com" {
		t.Fatalf("expected original destination to survive, got %s", got.OriginalURL)
	}

	if _, err := repo.GetByCode(ctx, "missing"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}
}

func TestMemoryLinkRepository_ConcurrentCreateSameCode(t *testing.T) {
	repo := NewMemoryLinkRepository()
	ctx := context.Background()

	const workers = 64
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Create(ctx, newLink("race", "https://example.com", "user"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrDuplicateCode):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Fatalf("expected exactly one create to win, got %d", succeeded.Load())
	}
	if conflicts.Load() != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts.Load())
	}
}

func TestMemoryLinkRepository_ConcurrentDeltasAndEdits(t *testing.T) {
	repo := NewMemoryLinkRepository()
	ctx := context.Background()

	link := newLink("hot", "https://example.com", "user")
	if err := repo.Create(ctx, link); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	const deltas = 500
	var wg sync.WaitGroup
	for i := 0; i < deltas; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.ApplyClickDelta(ctx, link.ID, 2); err != nil {
				t.Errorf("ApplyClickDelta returned error: %v", err)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := "https://edited.example.com"
			if _, err := repo.Update(ctx, link.ID, model.LinkUpdate{OriginalURL: &url}); err != nil {
				t.Errorf("Update returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := repo.GetByID(ctx, link.ID)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if got.ClickCount != 2*deltas {
		t.Fatalf("expected click_count %d, got %d", 2*deltas, got.ClickCount)
	}
	if got.OriginalURL != "https://edited.example.com" {
		t.Fatalf("expected edit to land, got %s", got.OriginalURL)
	}
}

func TestMemoryLinkRepository_ApplyClickDeltaRejects(t *testing.T) {
	repo := NewMemoryLinkRepository()
	ctx := context.Background()

	link := newLink("abc", "https://example.com", "user")
	_ = repo.Create(ctx, link)

	if err := repo.ApplyClickDelta(ctx, link.ID, 0); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta for zero delta, got %v", err)
	}
	if err := repo.ApplyClickDelta(ctx, link.ID, -3); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta for negative delta, got %v", err)
	}
	if err := repo.ApplyClickDelta(ctx, "gone", 1); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}

	got, _ := repo.GetByID(ctx, link.ID)
	if got.ClickCount != 0 {
		t.Fatalf("rejected deltas must not change the counter, got %d", got.ClickCount)
	}
}

func TestMemoryLinkRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryLinkRepository()
	ctx := context.Background()

	link := newLink("copy", "https://example.com", "user")
	_ = repo.Create(ctx, link)

	got, _ := repo.GetByCode(ctx, "copy")
	got.ClickCount = 999
	got.OriginalURL = "https://tampered.example.com"

	again, _ := repo.GetByCode(ctx, "copy")
	if again.ClickCount != 0 || again.OriginalURL != "https://example.com" {
		t.Fatalf("stored link was mutated through a returned copy: %+v", again)
	}
}

func TestMemoryLinkRepository_DeleteFreesCode(t *testing.T) {
	repo := NewMemoryLinkRepository()
	ctx := context.Background()

	link := newLink("bye", "https://example.com", "user")
	_ = repo.Create(ctx, link)

	deleted, err := repo.Delete(ctx, link.ID)
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if deleted.ShortCode != "bye" {
		t.Fatalf("expected deleted row to be returned, got %+v", deleted)
	}
	if _, err := repo.Delete(ctx, link.ID); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound on second delete, got %v", err)
	}
	if _, err := repo.GetByCode(ctx, "bye"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected code to be gone, got %v", err)
	}
	if err := repo.Create(ctx, newLink("bye", "https://other.com", "user")); err != nil {
		t.Fatalf("expected code to be reusable after delete, got %v", err)
	}
}

func TestMemoryLinkRepository_ListByOwner(t *testing.T) {
	repo := NewMemoryLinkRepository()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	_ = repo.Create(ctx, newLink("first", "https://golang.org", "alice"))
	_ = repo.Create(ctx, newLink("second", "https://example.com/docs", "alice"))
	_ = repo.Create(ctx, newLink("third", "https://example.com/blog", "alice"))
	_ = repo.Create(ctx, newLink("other", "https://example.com", "bob"))

	all, err := repo.ListByOwner(ctx, "alice", ListFilter{})
	if err != nil {
		t.Fatalf("ListByOwner returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 links for alice, got %d", len(all))
	}
	if all[0].ShortCode != "third" || all[2].ShortCode != "first" {
		t.Fatalf("expected newest first, got %s..%s", all[0].ShortCode, all[2].ShortCode)
	}

	found, _ := repo.ListByOwner(ctx, "alice", ListFilter{Search: "EXAMPLE"})
	if len(found) != 2 {
		t.Fatalf("expected 2 search matches, got %d", len(found))
	}

	page, _ := repo.ListByOwner(ctx, "alice", ListFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ShortCode != "second" {
		t.Fatalf("unexpected page: %+v", page)
	}

	empty, _ := repo.ListByOwner(ctx, "alice", ListFilter{Offset: 10})
	if len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}
}

func TestMemoryLinkRepository_FillMetadataKeepsOwnerValues(t *testing.T) {
	repo := NewMemoryLinkRepository()
	ctx := context.Background()

	fallback := "https://a.com"
	link := newLink("meta", "https://a.com", "user-1")
	link.MetaTitle = &fallback
	if err := repo.Create(ctx, link); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	icon := "https://a.com/favicon.ico"
	got, err := repo.FillMetadata(ctx, link.ID, model.MetadataFill{URL: "https://a.com", Title: "A", Icon: &icon})
	if err != nil {
		t.Fatalf("FillMetadata returned error: %v", err)
	}
	if *got.MetaTitle != "A" || got.Favicon == nil || *got.Favicon != icon {
		t.Fatalf("expected fallback to be replaced, got %+v", got)
	}

	title := "Owner title"
	ownerIcon := "https://cdn.example/icon.png"
	if _, err := repo.Update(ctx, link.ID, model.LinkUpdate{MetaTitle: &title, Favicon: &ownerIcon}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	got, err = repo.FillMetadata(ctx, link.ID, model.MetadataFill{URL: "https://a.com", Title: "A again", Icon: &icon})
	if err != nil {
		t.Fatalf("FillMetadata returned error: %v", err)
	}
	if *got.MetaTitle != title || *got.Favicon != ownerIcon {
		t.Fatalf("expected owner values to survive, got title=%s favicon=%s", *got.MetaTitle, *got.Favicon)
	}

	if _, err := repo.FillMetadata(ctx, link.ID, model.MetadataFill{URL: "https://other.com", Title: "B"}); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound for a different url, got %v", err)
	}
	if _, err := repo.FillMetadata(ctx, "missing", model.MetadataFill{URL: "https://a.com"}); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound for missing id, got %v", err)
	}
}
