package filter

import (
	"context"

	"linkwatch/internal/detector"
	"linkwatch/internal/storage"
	"linkwatch/pkg/logx"
)

// Intent is one "deliver this event to this chat" decision.
type Intent struct {
	ChatID int64
	Event  detector.UpdateEvent
}

// Evaluator loads the subscriptions on a link and applies mute flags and
// filter expressions to an update event.
type Evaluator struct {
	repo  storage.Repository
	cache *Cache
	log   logx.Logger
}

func NewEvaluator(repo storage.Repository, log logx.Logger) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{repo: repo, cache: NewCache(), log: log}
}

// Evaluate returns the delivery intents for ev, one per eligible chat, in
// subscription order (the repository returns chat_id ascending), de-duplicated
// by chat. Muted subscriptions and non-matching filters produce nothing.
func (e *Evaluator) Evaluate(ctx context.Context, ev detector.UpdateEvent) ([]Intent, error) {
	subs, err := e.repo.ListSubscriptions(ctx, ev.LinkID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	tagNames, err := e.repo.ListTagsForLink(ctx, ev.LinkID)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]bool, len(tagNames))
	for _, t := range tagNames {
		tags[storage.NormalizeTag(t)] = true
	}

	seen := make(map[int64]bool, len(subs))
	var intents []Intent
	for _, sub := range subs {
		if seen[sub.ChatID] {
			continue
		}
		seen[sub.ChatID] = true
		if sub.Muted {
			e.log.Debug("subscription muted, skipping",
				logx.Int64("link_id", ev.LinkID), logx.Int64("chat_id", sub.ChatID))
			continue
		}
		if !e.cache.Compile(sub.Filters).Matches(ev.Summary, tags) {
			e.log.Debug("filter did not match, skipping",
				logx.Int64("link_id", ev.LinkID), logx.Int64("chat_id", sub.ChatID),
				logx.String("filters", sub.Filters))
			continue
		}
		intents = append(intents, Intent{ChatID: sub.ChatID, Event: ev})
	}
	return intents, nil
}
