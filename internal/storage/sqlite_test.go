package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"linkwatch/pkg/logx"
)

func openTestRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "scrapper.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func mustRegister(t *testing.T, repo Repository, chatID int64) {
	t.Helper()
	if err := repo.RegisterChat(context.Background(), chatID, "tester"); err != nil {
		t.Fatalf("RegisterChat(%d): %v", chatID, err)
	}
}

func mustAddLink(t *testing.T, repo Repository, chatID int64, url string) TrackedLink {
	t.Helper()
	l, err := repo.AddLink(context.Background(), chatID, url, "")
	if err != nil {
		t.Fatalf("AddLink(%d, %s): %v", chatID, url, err)
	}
	return l
}

func TestAddLinkRequiresRegisteredChat(t *testing.T) {
	repo := openTestRepo(t)

	_, err := repo.AddLink(context.Background(), 42, "https://github.com/acme/widgets", "")
	if !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("err = %v, want ErrChatNotFound", err)
	}
}

func TestAddLinkRejectsDuplicate(t *testing.T) {
	repo := openTestRepo(t)
	mustRegister(t, repo, 42)
	mustAddLink(t, repo, 42, "https://github.com/acme/widgets")

	_, err := repo.AddLink(context.Background(), 42, "https://github.com/acme/widgets", "")
	if !errors.Is(err, ErrDuplicateLink) {
		t.Fatalf("err = %v, want ErrDuplicateLink", err)
	}

	// A different chat may track the same URL.
	mustRegister(t, repo, 43)
	mustAddLink(t, repo, 43, "https://github.com/acme/widgets")
}

func TestRemoveLinkNotFound(t *testing.T) {
	repo := openTestRepo(t)
	mustRegister(t, repo, 42)

	err := repo.RemoveLink(context.Background(), 42, "https://github.com/acme/widgets")
	if !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("err = %v, want ErrLinkNotFound", err)
	}
}

func TestDeleteChatCascadesLinks(t *testing.T) {
	repo := openTestRepo(t)
	mustRegister(t, repo, 42)
	l := mustAddLink(t, repo, 42, "https://github.com/acme/widgets")
	if err := repo.AddTagToLink(context.Background(), l.ID, "work"); err != nil {
		t.Fatalf("AddTagToLink: %v", err)
	}
	if err := repo.SetMuted(context.Background(), l.ID, 42, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}

	if err := repo.DeleteChat(context.Background(), 42); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}

	links, err := repo.ListLinks(context.Background(), 42)
	if err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("links survived chat deletion: %+v", links)
	}
	tags, err := repo.ListTagsForLink(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("ListTagsForLink: %v", err)
	}
	if len(tags) != 0 {
		t.Fatalf("tag associations survived chat deletion: %v", tags)
	}

	if err := repo.DeleteChat(context.Background(), 42); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("second delete: err = %v, want ErrChatNotFound", err)
	}
}

func TestAdvanceWatermarkIsMonotonic(t *testing.T) {
	repo := openTestRepo(t)
	mustRegister(t, repo, 42)
	l := mustAddLink(t, repo, 42, "https://github.com/acme/widgets")
	ctx := context.Background()

	t100 := time.UnixMilli(100_000).UTC()
	ok, err := repo.AdvanceWatermark(ctx, l.ID, t100)
	if err != nil || !ok {
		t.Fatalf("first advance: ok=%v err=%v", ok, err)
	}

	// Equal and older timestamps are both conflicts, not errors.
	ok, err = repo.AdvanceWatermark(ctx, l.ID, t100)
	if err != nil || ok {
		t.Fatalf("equal ts: ok=%v err=%v, want false nil", ok, err)
	}
	ok, err = repo.AdvanceWatermark(ctx, l.ID, t100.Add(-time.Minute))
	if err != nil || ok {
		t.Fatalf("older ts: ok=%v err=%v, want false nil", ok, err)
	}

	ok, err = repo.AdvanceWatermark(ctx, l.ID, t100.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("newer ts: ok=%v err=%v", ok, err)
	}

	links, err := repo.ListLinks(ctx, 42)
	if err != nil {
		t.Fatalf("ListLinks: %v", err)
	}
	if links[0].LastUpdated == nil || !links[0].LastUpdated.Equal(t100.Add(time.Minute)) {
		t.Fatalf("stored watermark = %v", links[0].LastUpdated)
	}
}

func TestListDueLinksOrdersNeverCheckedFirst(t *testing.T) {
	repo := openTestRepo(t)
	mustRegister(t, repo, 42)
	ctx := context.Background()

	checked := mustAddLink(t, repo, 42, "https://github.com/acme/old")
	fresh := mustAddLink(t, repo, 42, "https://github.com/acme/fresh")
	never := mustAddLink(t, repo, 42, "https://github.com/acme/never")

	now := time.Now()
	if _, err := repo.AdvanceWatermark(ctx, checked.ID, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}
	if _, err := repo.AdvanceWatermark(ctx, fresh.ID, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}

	// Scan as of now+90m with a 1h interval: the never-checked link (created
	// now) and the stale one qualify, the freshly advanced one does not.
	due, err := repo.ListDueLinks(ctx, now.Add(90*time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("ListDueLinks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d links, want 2", len(due))
	}
	if due[0].ID != never.ID {
		t.Fatalf("never-checked link must come first, got link %d", due[0].ID)
	}
	if due[1].ID != checked.ID {
		t.Fatalf("stale link missing, got link %d", due[1].ID)
	}
}

func TestListSubscriptionsReflectsMute(t *testing.T) {
	repo := openTestRepo(t)
	mustRegister(t, repo, 42)
	ctx := context.Background()
	l, err := repo.AddLink(ctx, 42, "https://github.com/acme/widgets", "tag:work")
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	subs, err := repo.ListSubscriptions(ctx, l.ID)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ChatID != 42 || subs[0].Muted || subs[0].Filters != "tag:work" {
		t.Fatalf("unexpected subscriptions %+v", subs)
	}

	if err := repo.SetMuted(ctx, l.ID, 42, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	subs, err = repo.ListSubscriptions(ctx, l.ID)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || !subs[0].Muted {
		t.Fatalf("mute not reflected: %+v", subs)
	}

	// Unmute is an upsert on the same row.
	if err := repo.SetMuted(ctx, l.ID, 42, false); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	subs, err = repo.ListSubscriptions(ctx, l.ID)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].Muted {
		t.Fatalf("unmute not reflected: %+v", subs)
	}
}

func TestTagsNormalizedAndIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	mustRegister(t, repo, 42)
	ctx := context.Background()
	l := mustAddLink(t, repo, 42, "https://github.com/acme/widgets")

	for _, name := range []string{"Work", " work ", "work"} {
		if err := repo.AddTagToLink(ctx, l.ID, name); err != nil {
			t.Fatalf("AddTagToLink(%q): %v", name, err)
		}
	}
	tags, err := repo.ListTagsForLink(ctx, l.ID)
	if err != nil {
		t.Fatalf("ListTagsForLink: %v", err)
	}
	if len(tags) != 1 || tags[0] != "work" {
		t.Fatalf("tags = %v, want the single normalized tag", tags)
	}

	if err := repo.RemoveTagFromLink(ctx, l.ID, "WORK"); err != nil {
		t.Fatalf("RemoveTagFromLink: %v", err)
	}
	tags, err = repo.ListTagsForLink(ctx, l.ID)
	if err != nil {
		t.Fatalf("ListTagsForLink: %v", err)
	}
	if len(tags) != 0 {
		t.Fatalf("tags = %v after removal", tags)
	}
}

func TestRegisterChatIsIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.RegisterChat(ctx, 42, "first"); err != nil {
		t.Fatalf("RegisterChat: %v", err)
	}
	if err := repo.RegisterChat(ctx, 42, "renamed"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	mustAddLink(t, repo, 42, "https://github.com/acme/widgets")
}
