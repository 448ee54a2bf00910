package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"linkwatch/internal/config"
	"linkwatch/internal/detector"
	"linkwatch/internal/filter"
	"linkwatch/internal/notify"
	"linkwatch/internal/scheduler"
	"linkwatch/internal/source"
	"linkwatch/internal/storage"
	"linkwatch/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, closeLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})
	defer closeLog()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	repo, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}
	log.Info("source checkers registered", logx.Any("hosts", registry.Hosts()))

	det := detector.New(registry, log.With(logx.String("comp", "detector")))
	eval := filter.NewEvaluator(repo, log.With(logx.String("comp", "filter")))

	sink, err := buildSink(cfg, log)
	if err != nil {
		return err
	}

	dispCfg, err := dispatcherConfig(cfg)
	if err != nil {
		return err
	}
	disp := notify.NewDispatcher(dispCfg, sink, log.With(logx.String("comp", "notify")))

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return err
	}
	sched := scheduler.New(schedCfg, repo, det, eval, disp, log.With(logx.String("comp", "scheduler")))
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// Hot reload: retry/throttle and scheduling knobs apply live; sink and
	// storage changes need a restart.
	go func() {
		err := config.Watch(ctx, cfgPath, log.With(logx.String("comp", "config")), func(newCfg config.Config) {
			if dc, err := dispatcherConfig(newCfg); err == nil {
				disp.Apply(dc)
			} else {
				log.Warn("dispatcher config not applied", logx.Err(err))
			}
			if sc, err := schedulerConfig(newCfg); err == nil {
				sched.Apply(ctx, sc)
			} else {
				log.Warn("scheduler config not applied", logx.Err(err))
			}
		})
		if err != nil {
			log.Warn("config watcher unavailable", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("scrapper running", logx.String("config", cfgPath))

	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	return nil
}

func buildRegistry(cfg config.Config, log logx.Logger) (*source.Registry, error) {
	ghTimeout, err := config.ParseDurationOrDefault("sources.github.timeout", cfg.Sources.GitHub.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	soTimeout, err := config.ParseDurationOrDefault("sources.stackoverflow.timeout", cfg.Sources.StackOverflow.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	registry := source.NewRegistry()
	registry.Register("github.com", source.NewGitHubChecker(source.GitHubOptions{
		Token:   cfg.Sources.GitHub.Token,
		Timeout: ghTimeout,
	}, log.With(logx.String("comp", "github"))))

	soKey := cfg.Sources.StackOverflow.Key
	if soKey == "" {
		soKey = cfg.Sources.StackOverflow.Token
	}
	registry.Register("stackoverflow.com", source.NewStackOverflowChecker(source.StackOverflowOptions{
		Key:     soKey,
		Timeout: soTimeout,
	}, log.With(logx.String("comp", "stackoverflow"))))

	return registry, nil
}

func buildSink(cfg config.Config, log logx.Logger) (notify.Sink, error) {
	mode := strings.TrimSpace(cfg.Delivery.Mode)
	if mode == "" {
		mode = config.ModeBotAPI
	}
	switch mode {
	case config.ModeBotAPI:
		timeout, err := config.ParseDurationOrDefault("delivery.bot_api.timeout", cfg.Delivery.BotAPI.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return notify.NewBotAPISink(notify.BotAPIOptions{
			BaseURL: cfg.Delivery.BotAPI.BaseURL,
			Timeout: timeout,
		}, log.With(logx.String("comp", "botapi")))
	case config.ModeTelegram:
		return notify.NewTelegramSink(notify.TelegramOptions{
			Token: cfg.Delivery.Telegram.Token,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("delivery.mode: unknown mode %q", mode)
	}
}

func dispatcherConfig(cfg config.Config) (notify.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("delivery.retry_base", cfg.Delivery.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		RatePerSec:    cfg.Delivery.RatePerSec,
		RetryMax:      cfg.Delivery.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil
}

func schedulerConfig(cfg config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	checkTimeout, err := config.ParseDurationOrDefault("scheduler.check_timeout", cfg.Scheduler.CheckTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.grace_period", cfg.Scheduler.GracePeriod, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	minPoll, err := config.ParseDurationOrDefault("scheduler.min_poll_interval", cfg.Scheduler.MinPollInterval, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}

	intervals := make(map[string]time.Duration, len(cfg.Scheduler.SourceIntervals))
	for host, raw := range cfg.Scheduler.SourceIntervals {
		d, err := config.ParseDurationField("scheduler.source_intervals."+host, raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		if d > 0 {
			intervals[strings.ToLower(host)] = d
		}
	}

	return scheduler.Config{
		Tick:            tick,
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		CheckTimeout:    checkTimeout,
		GracePeriod:     grace,
		MinPollInterval: minPoll,
		SourceIntervals: intervals,
	}, nil
}
