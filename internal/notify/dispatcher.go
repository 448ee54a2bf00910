package notify

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"linkwatch/internal/filter"
	"linkwatch/pkg/logx"
)

// Config controls delivery retry and throttling.
type Config struct {
	RatePerSec    int
	RetryMax      int // retries after the first attempt
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Dispatcher delivers intents through a Sink with a token bucket and bounded
// exponential backoff. It keeps no state of its own between ticks: dedup is
// guaranteed upstream by the monotonic watermark plus in-flight exclusivity.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	rng     *rand.Rand

	sink Sink
	log  logx.Logger
}

func NewDispatcher(cfg Config, sink Sink, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		sink: sink,
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	d.applyLocked(cfg)
	return d
}

// Apply swaps retry/throttle settings at runtime (config hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	d.cfg = cfg
	// Burst = rate per sec, so short spikes don't stall a whole tick.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Dispatch delivers intents in order. Order across chats is incidental;
// order for the same chat follows the order intents were produced. A failed
// intent never blocks the remaining ones beyond its own retry budget.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []filter.Intent) {
	for _, in := range intents {
		if ctx.Err() != nil {
			return
		}
		d.deliverOne(ctx, in)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, in filter.Intent) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		err := d.sink.Deliver(ctx, in.ChatID, in.Event)
		if err == nil {
			d.log.Debug("notification delivered",
				logx.Int64("chat_id", in.ChatID), logx.Int64("link_id", in.Event.LinkID),
				logx.Int("attempt", attempt))
			return
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			d.log.Warn("notification dropped: permanent delivery failure",
				logx.Int64("chat_id", in.ChatID), logx.Int64("link_id", in.Event.LinkID),
				logx.Err(err))
			return
		}
		if attempt >= maxAttempts {
			d.log.Warn("notification dropped: retries exhausted",
				logx.Int64("chat_id", in.ChatID), logx.Int64("link_id", in.Event.LinkID),
				logx.Int("attempts", attempt), logx.Err(err))
			return
		}

		delay := d.backoffDelay(cfg, attempt)
		d.log.Debug("delivery retry scheduled",
			logx.Int64("chat_id", in.ChatID), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-tmr.C:
		}
	}
}

func (d *Dispatcher) backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
			break
		}
	}
	d.mu.Lock()
	r := (d.rng.Float64()*2 - 1) * cfg.RetryJitter
	d.mu.Unlock()
	delay = time.Duration(float64(delay) * (1 + r))
	if delay < 0 {
		delay = 0
	}
	if delay > cfg.RetryMaxDelay {
		delay = cfg.RetryMaxDelay
	}
	return delay
}
