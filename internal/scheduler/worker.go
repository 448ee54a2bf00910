package scheduler

import (
	"context"
	"errors"
	"runtime/debug"

	"linkwatch/internal/source"
	"linkwatch/internal/storage"
	"linkwatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan storage.TrackedLink, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case link, ok := <-queue:
			if !ok {
				return
			}
			s.processLink(ctx, log, link)
		}
	}
}

// processLink runs one link end-to-end: detect, advance the watermark,
// evaluate subscriptions, dispatch. Every failure is contained here; nothing
// a single link does may take down the loop or its siblings.
func (s *Service) processLink(ctx context.Context, log logx.Logger, link storage.TrackedLink) {
	defer s.inflight.release(link.ID)
	defer func() {
		if r := recover(); r != nil {
			s.checkErrors.Add(1)
			log.Error("panic while checking link",
				logx.Int64("link_id", link.ID), logx.String("url", link.URL),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	timeout := s.cfg.CheckTimeout
	s.mu.Unlock()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.checked.Add(1)
	outcome, err := s.det.Check(cctx, link)
	switch {
	case err == nil:
	case errors.Is(err, source.ErrUnsupportedSource):
		// Permanent, but the link stays tracked and is retried on the normal
		// schedule. Warn once, then keep quiet.
		s.umu.Lock()
		known := s.unsupported[link.ID]
		s.unsupported[link.ID] = true
		s.umu.Unlock()
		if !known {
			log.Warn("no checker for link, it will never produce updates",
				logx.Int64("link_id", link.ID), logx.String("url", link.URL))
		} else {
			log.Debug("unsupported link skipped", logx.Int64("link_id", link.ID))
		}
		return
	case source.IsTransient(err):
		s.checkErrors.Add(1)
		log.Warn("check failed, retrying next tick",
			logx.Int64("link_id", link.ID), logx.String("url", link.URL), logx.Err(err))
		return
	default:
		s.checkErrors.Add(1)
		log.Error("check failed",
			logx.Int64("link_id", link.ID), logx.String("url", link.URL), logx.Err(err))
		return
	}

	if outcome.Watermark.IsZero() {
		// No new activity; watermark untouched.
		return
	}

	advanced, err := s.repo.AdvanceWatermark(cctx, link.ID, outcome.Watermark)
	if err != nil {
		s.checkErrors.Add(1)
		log.Error("watermark advance failed",
			logx.Int64("link_id", link.ID), logx.Err(err))
		return
	}
	if !advanced {
		// Lost a concurrent advance race: the winner already reported this
		// activity, so delivering again would duplicate it.
		log.Debug("watermark already ahead, skipping dispatch", logx.Int64("link_id", link.ID))
		return
	}

	if outcome.FirstCheck || outcome.Event == nil {
		return
	}

	s.updates.Add(1)
	intents, err := s.eval.Evaluate(cctx, *outcome.Event)
	if err != nil {
		log.Error("subscription evaluation failed",
			logx.Int64("link_id", link.ID), logx.Err(err))
		return
	}
	if len(intents) == 0 {
		log.Debug("update detected but no eligible subscribers",
			logx.Int64("link_id", link.ID), logx.Time("occurred_at", outcome.Event.OccurredAt))
		return
	}

	log.Info("update detected",
		logx.Int64("link_id", link.ID), logx.String("url", link.URL),
		logx.Int("items", outcome.Event.ItemCount), logx.Int("recipients", len(intents)),
		logx.Time("occurred_at", outcome.Event.OccurredAt))
	s.disp.Dispatch(cctx, intents)
}
