// Package detector turns raw checker results into at most one normalized
// update event per run and computes the watermark advance that goes with it.
package detector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"linkwatch/internal/source"
	"linkwatch/internal/storage"
	"linkwatch/pkg/logx"
)

const summaryMaxLen = 500

// UpdateEvent is the normalized "something changed" signal for one link.
// Summary is a compact digest of every new item in this run; the bot renders
// the user-facing text.
type UpdateEvent struct {
	LinkID     int64
	URL        string
	OccurredAt time.Time
	Summary    string
	ItemCount  int
}

// Outcome is the result of one detector run.
//
// Event is nil when there is nothing to deliver: no new activity, or the
// first check of a link (which only establishes the watermark, so a fresh
// subscription does not replay history). Watermark is zero when nothing
// should be advanced.
type Outcome struct {
	Event      *UpdateEvent
	Watermark  time.Time
	FirstCheck bool
}

type Detector struct {
	registry *source.Registry
	log      logx.Logger
}

func New(registry *source.Registry, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{registry: registry, log: log}
}

// Check fetches activity for link and reduces it to an Outcome.
//
// Errors pass through untouched: source.ErrUnsupportedSource for hosts with
// no checker, *source.TransientError for fetch failures. Both leave the
// watermark alone; the scheduler decides what to do with them.
func (d *Detector) Check(ctx context.Context, link storage.TrackedLink) (Outcome, error) {
	checker, err := d.registry.Resolve(link.URL)
	if err != nil {
		return Outcome{}, err
	}

	res, err := checker.FetchSince(ctx, link.URL, link.LastUpdated)
	if err != nil {
		return Outcome{}, err
	}

	// Re-apply the watermark cutoff locally. Checkers filter too, but the
	// strictly-after invariant belongs here, not in per-site code.
	items := res.Items
	if link.LastUpdated != nil {
		kept := items[:0]
		for _, it := range items {
			if it.Timestamp.After(*link.LastUpdated) {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })

	if link.LastUpdated == nil {
		// First successful check: establish the watermark silently.
		wm := res.CheckedAt
		if n := len(items); n > 0 {
			wm = items[n-1].Timestamp
		}
		if wm.IsZero() {
			wm = time.Now()
		}
		d.log.Debug("first check, watermark established",
			logx.Int64("link_id", link.ID), logx.String("url", link.URL), logx.Time("watermark", wm))
		return Outcome{Watermark: wm, FirstCheck: true}, nil
	}

	if len(items) == 0 {
		return Outcome{}, nil
	}

	latest := items[len(items)-1].Timestamp
	ev := &UpdateEvent{
		LinkID:     link.ID,
		URL:        link.URL,
		OccurredAt: latest,
		Summary:    summarize(link.URL, items),
		ItemCount:  len(items),
	}
	return Outcome{Event: ev, Watermark: latest}, nil
}

// summarize batches all new items into one digest line. One event per run,
// never one per item.
func summarize(url string, items []source.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d new update(s) on %s: ", len(items), url)
	for i, it := range items {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(it.Text)
		if b.Len() > summaryMaxLen {
			break
		}
	}
	s := b.String()
	if len(s) > summaryMaxLen {
		s = s[:summaryMaxLen-3] + "..."
	}
	return s
}
