package filter

import (
	"context"
	"reflect"
	"testing"
	"time"

	"linkwatch/internal/detector"
	"linkwatch/internal/storage"
	"linkwatch/pkg/logx"
)

type fakeRepo struct {
	storage.Repository
	subs map[int64][]storage.Subscription
	tags map[int64][]string
}

func (f *fakeRepo) ListSubscriptions(_ context.Context, linkID int64) ([]storage.Subscription, error) {
	return f.subs[linkID], nil
}

func (f *fakeRepo) ListTagsForLink(_ context.Context, linkID int64) ([]string, error) {
	return f.tags[linkID], nil
}

func event(linkID int64, summary string) detector.UpdateEvent {
	return detector.UpdateEvent{
		LinkID:     linkID,
		URL:        "https://github.com/acme/widgets",
		OccurredAt: time.Unix(100, 0).UTC(),
		Summary:    summary,
		ItemCount:  1,
	}
}

func TestEvaluateMutedNeverDelivers(t *testing.T) {
	repo := &fakeRepo{
		subs: map[int64][]storage.Subscription{
			7: {{ChatID: 42, Muted: true, Filters: ""}},
		},
	}
	e := NewEvaluator(repo, logx.Nop())

	intents, err := e.Evaluate(context.Background(), event(7, "new release"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 0 {
		t.Fatalf("muted subscription produced %d intents", len(intents))
	}
}

func TestEvaluateFilterMismatchSkipped(t *testing.T) {
	repo := &fakeRepo{
		subs: map[int64][]storage.Subscription{
			7: {{ChatID: 42, Filters: "keyword:release"}},
		},
	}
	e := NewEvaluator(repo, logx.Nop())

	intents, err := e.Evaluate(context.Background(), event(7, "just a comment"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 0 {
		t.Fatalf("non-matching filter produced %d intents", len(intents))
	}
}

func TestEvaluateTagFilterUsesLinkTags(t *testing.T) {
	repo := &fakeRepo{
		subs: map[int64][]storage.Subscription{
			7: {{ChatID: 42, Filters: "tag:Work"}},
		},
		tags: map[int64][]string{7: {"work"}},
	}
	e := NewEvaluator(repo, logx.Nop())

	intents, err := e.Evaluate(context.Background(), event(7, "anything"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 1 || intents[0].ChatID != 42 {
		t.Fatalf("expected one intent for chat 42, got %+v", intents)
	}
}

func TestEvaluateDedupesByChat(t *testing.T) {
	repo := &fakeRepo{
		subs: map[int64][]storage.Subscription{
			7: {
				{ChatID: 42, Filters: ""},
				{ChatID: 42, Filters: ""},
				{ChatID: 43, Filters: ""},
			},
		},
	}
	e := NewEvaluator(repo, logx.Nop())

	intents, err := e.Evaluate(context.Background(), event(7, "update"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("expected 2 deduped intents, got %d", len(intents))
	}
	if intents[0].ChatID != 42 || intents[1].ChatID != 43 {
		t.Fatalf("unexpected order: %+v", intents)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	repo := &fakeRepo{
		subs: map[int64][]storage.Subscription{
			7: {
				{ChatID: 41, Filters: "keyword:update"},
				{ChatID: 42, Muted: true},
				{ChatID: 43, Filters: ""},
			},
		},
		tags: map[int64][]string{7: {"go"}},
	}
	e := NewEvaluator(repo, logx.Nop())

	first, err := e.Evaluate(context.Background(), event(7, "an update"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := e.Evaluate(context.Background(), event(7, "an update"))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("evaluation is not deterministic: %+v vs %+v", first, again)
		}
	}
}
