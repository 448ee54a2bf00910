// Package scheduler owns the recurring check loop: it selects due links each
// tick, fans them out to a bounded worker pool, and runs each link through
// detect → advance watermark → evaluate → dispatch.
package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"linkwatch/internal/detector"
	"linkwatch/internal/filter"
	"linkwatch/internal/notify"
	"linkwatch/internal/storage"
	"linkwatch/pkg/logx"
)

// Config controls tick cadence and the worker pool.
//
// SourceIntervals maps a host (e.g. "github.com") to its minimum poll
// interval; hosts without an entry use MinPollInterval.
type Config struct {
	Tick            time.Duration
	Workers         int
	QueueSize       int
	CheckTimeout    time.Duration
	GracePeriod     time.Duration
	MinPollInterval time.Duration
	SourceIntervals map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = time.Minute
	}
	return c
}

// Snapshot is a point-in-time view of the loop, for logging and health.
type Snapshot struct {
	Running     bool
	InFlight    int
	TicksRun    uint64
	Checked     uint64
	Updates     uint64
	CheckErrors uint64
}

// Service runs for the process lifetime and stops only on external shutdown.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	running bool

	repo storage.Repository
	det  *detector.Detector
	eval *filter.Evaluator
	disp *notify.Dispatcher
	log  logx.Logger

	cron      *cron.Cron
	queue     chan storage.TrackedLink
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	tickBusy atomic.Bool
	tickWG   sync.WaitGroup

	inflight *inflightSet

	// unsupported links are logged loudly once, then quietly retried forever.
	umu         sync.Mutex
	unsupported map[int64]bool

	ticksRun    atomic.Uint64
	checked     atomic.Uint64
	updates     atomic.Uint64
	checkErrors atomic.Uint64
}

func New(cfg Config, repo storage.Repository, det *detector.Detector, eval *filter.Evaluator, disp *notify.Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		repo:        repo,
		det:         det,
		eval:        eval,
		disp:        disp,
		log:         log,
		inflight:    newInflightSet(),
		unsupported: make(map[int64]bool),
	}
}

// Start is idempotent. The first tick runs immediately; later ticks follow
// the configured cadence.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.queue = make(chan storage.TrackedLink, cfg.QueueSize)
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.running = true
	runCtx := s.runCtx
	queue := s.queue

	for i := 0; i < cfg.Workers; i++ {
		s.workerWG.Add(1)
		go func(idx int) {
			defer s.workerWG.Done()
			s.worker(runCtx, queue, idx)
		}(i)
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", cfg.Tick), s.tick)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.cron.Start()
	s.mu.Unlock()

	go s.tick()

	s.log.Info("scheduler started",
		logx.Duration("tick", cfg.Tick), logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize))
	return nil
}

// Stop halts ticking, lets in-flight checks finish within the grace period,
// then cancels stragglers.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	queue := s.queue
	cancel := s.runCancel
	grace := s.cfg.GracePeriod
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	// No tick can start after running=false; wait out the one in progress
	// before closing the queue it feeds.
	s.tickWG.Wait()
	close(queue)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("grace period elapsed, cancelling in-flight checks", logx.Int("in_flight", s.inflight.len()))
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()

	s.mu.Lock()
	s.cron = nil
	s.queue = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

// Apply swaps configuration at runtime. Changing the worker pool or the tick
// restarts the loop; in-flight checks are not interrupted beyond Stop's
// normal grace handling.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Tick != cfg.Tick || prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		if err := s.Start(ctx); err != nil {
			s.log.Error("scheduler restart after config change failed", logx.Err(err))
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Snapshot{
		Running:     running,
		InFlight:    s.inflight.len(),
		TicksRun:    s.ticksRun.Load(),
		Checked:     s.checked.Load(),
		Updates:     s.updates.Load(),
		CheckErrors: s.checkErrors.Load(),
	}
}

// tick selects due links and feeds the worker queue. A tick that is still
// selecting when the next one fires is skipped, and links already in flight
// are never enqueued twice.
func (s *Service) tick() {
	if !s.tickBusy.CompareAndSwap(false, true) {
		s.log.Debug("tick skipped: previous tick still running")
		return
	}
	defer s.tickBusy.Store(false)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.tickWG.Add(1)
	cfg := s.cfg
	queue := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()
	defer s.tickWG.Done()

	s.ticksRun.Add(1)
	now := time.Now()

	// The selection itself is bounded by the tick; stragglers from previous
	// ticks keep their own per-check timeout.
	ctx, cancel := context.WithTimeout(runCtx, cfg.Tick)
	defer cancel()

	links, err := s.repo.ListDueLinks(ctx, now, scanInterval(cfg))
	if err != nil {
		s.log.Error("due link scan failed", logx.Err(err))
		return
	}

	enqueued := 0
	for _, link := range links {
		if !s.dueNow(cfg, link, now) {
			continue
		}
		if !s.inflight.tryAcquire(link.ID) {
			continue
		}
		select {
		case queue <- link:
			enqueued++
		default:
			s.inflight.release(link.ID)
			s.log.Warn("check queue full, link deferred to next tick",
				logx.Int64("link_id", link.ID), logx.String("url", link.URL))
		}
	}

	if enqueued > 0 {
		s.log.Debug("tick dispatched", logx.Int("due", len(links)), logx.Int("enqueued", enqueued))
	}
}

// dueNow applies the per-source minimum poll interval on top of the
// repository's coarser scan.
func (s *Service) dueNow(cfg Config, link storage.TrackedLink, now time.Time) bool {
	last := link.CreatedAt
	if link.LastUpdated != nil {
		last = *link.LastUpdated
	}
	return now.Sub(last) >= sourceInterval(cfg, link.URL)
}

func sourceInterval(cfg Config, rawURL string) time.Duration {
	if len(cfg.SourceIntervals) > 0 {
		if u, err := url.Parse(rawURL); err == nil {
			host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
			if d, ok := cfg.SourceIntervals[host]; ok && d > 0 {
				return d
			}
		}
	}
	return cfg.MinPollInterval
}

// scanInterval is the loosest cutoff that cannot miss any due link; the
// exact per-source check happens in dueNow.
func scanInterval(cfg Config) time.Duration {
	min := cfg.MinPollInterval
	for _, d := range cfg.SourceIntervals {
		if d > 0 && d < min {
			min = d
		}
	}
	return min
}
