package storage

import (
	"context"
	"time"
)

// Repository is the persistence API consumed by the scheduler pipeline and by
// management operations (chat registration, tracking, tags, mute). The store
// is the sole owner of link, tag and mute state; callers only hold
// request-scoped copies.
type Repository interface {
	// ListDueLinks returns links whose time since last_updated (or since
	// creation when never checked) exceeds minInterval at now. Never-checked
	// links come first, then oldest watermark first.
	ListDueLinks(ctx context.Context, now time.Time, minInterval time.Duration) ([]TrackedLink, error)

	// AdvanceWatermark moves last_updated forward to ts. It returns false
	// without error when a concurrent advance already moved the watermark to
	// ts or past it; the watermark never moves backwards.
	AdvanceWatermark(ctx context.Context, linkID int64, ts time.Time) (bool, error)

	// ListSubscriptions returns every (chat, mute, filters) subscription on a
	// link in deterministic chat_id order.
	ListSubscriptions(ctx context.Context, linkID int64) ([]Subscription, error)

	ListTagsForLink(ctx context.Context, linkID int64) ([]string, error)

	// Management surface used by chat registration and tracking commands.
	RegisterChat(ctx context.Context, chatID int64, username string) error
	DeleteChat(ctx context.Context, chatID int64) error
	AddLink(ctx context.Context, chatID int64, url, filters string) (TrackedLink, error)
	RemoveLink(ctx context.Context, chatID int64, url string) error
	ListLinks(ctx context.Context, chatID int64) ([]TrackedLink, error)
	AddTagToLink(ctx context.Context, linkID int64, tagName string) error
	RemoveTagFromLink(ctx context.Context, linkID int64, tagName string) error
	SetMuted(ctx context.Context, linkID, chatID int64, muted bool) error

	Close() error
}
