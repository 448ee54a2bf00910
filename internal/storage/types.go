package storage

import (
	"errors"
	"time"
)

var (
	ErrChatNotFound  = errors.New("chat not registered")
	ErrLinkNotFound  = errors.New("link not tracked")
	ErrDuplicateLink = errors.New("link already tracked by this chat")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// TrackedLink is one (chat, url) tracking row.
//
// LastUpdated is the monotonic watermark of the last known activity on the
// resource. It is nil until the first successful check establishes it.
type TrackedLink struct {
	ID          int64
	ChatID      int64
	URL         string
	LastUpdated *time.Time
	Filters     string
	CreatedAt   time.Time
}

// Subscription is one chat's view of a tracked link: whether it is muted and
// which filter expression applies. In the current schema the owning chat is
// the only subscriber, but the shape stays per-subscription so shared links
// can be wired later without touching callers.
type Subscription struct {
	ChatID  int64
	Muted   bool
	Filters string
}

type Tag struct {
	ID   int64
	Name string
}
