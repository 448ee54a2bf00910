// Package config loads the scrapper configuration from a YAML or JSON file.
//
// YAML input is coerced to JSON so both formats go through the same strict
// decoder: unknown keys are rejected early instead of being silently
// ignored. All durations are Go duration strings ("30s", "5m").
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sources   SourcesConfig   `json:"sources"`
	Delivery  DeliveryConfig  `json:"delivery"`
}

type LoggingConfig struct {
	Level   string          `json:"level,omitempty"`
	Console bool            `json:"console"`
	File    LoggingFileConf `json:"file,omitempty"`
}

type LoggingFileConf struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig mirrors scheduler.Config with durations as strings.
type SchedulerConfig struct {
	Tick            string            `json:"tick,omitempty"`
	Workers         int               `json:"workers,omitempty"`
	QueueSize       int               `json:"queue_size,omitempty"`
	CheckTimeout    string            `json:"check_timeout,omitempty"`
	GracePeriod     string            `json:"grace_period,omitempty"`
	MinPollInterval string            `json:"min_poll_interval,omitempty"`
	SourceIntervals map[string]string `json:"source_intervals,omitempty"`
}

type SourcesConfig struct {
	GitHub        SourceConf `json:"github,omitempty"`
	StackOverflow SourceConf `json:"stackoverflow,omitempty"`
}

type SourceConf struct {
	Token   string `json:"token,omitempty"` // StackOverflow calls this a key
	Key     string `json:"key,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// DeliveryConfig selects and tunes the notification sink.
// Mode is "bot_api" (push to the bot process over HTTP) or "telegram"
// (send directly via the Telegram API).
type DeliveryConfig struct {
	Mode          string       `json:"mode,omitempty"`
	BotAPI        BotAPIConf   `json:"bot_api,omitempty"`
	Telegram      TelegramConf `json:"telegram,omitempty"`
	RatePerSec    int          `json:"rate_per_sec,omitempty"`
	RetryMax      int          `json:"retry_max,omitempty"`
	RetryBase     string       `json:"retry_base,omitempty"`
	RetryMaxDelay string       `json:"retry_max_delay,omitempty"`
}

type BotAPIConf struct {
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConf struct {
	Token string `json:"token,omitempty"`
}

const (
	ModeBotAPI   = "bot_api"
	ModeTelegram = "telegram"
)

// Load reads and strictly decodes the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	jsonBytes, err := coerceToJSON(path, data)
	if err != nil {
		return Config{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch strings.TrimSpace(c.Delivery.Mode) {
	case "", ModeBotAPI, ModeTelegram:
	default:
		return fmt.Errorf("delivery.mode: unknown mode %q", c.Delivery.Mode)
	}
	// Durations are validated eagerly so a typo fails at load, not at use.
	fields := map[string]string{
		"storage.busy_timeout":          c.Storage.BusyTimeout,
		"scheduler.tick":                c.Scheduler.Tick,
		"scheduler.check_timeout":       c.Scheduler.CheckTimeout,
		"scheduler.grace_period":        c.Scheduler.GracePeriod,
		"scheduler.min_poll_interval":   c.Scheduler.MinPollInterval,
		"sources.github.timeout":        c.Sources.GitHub.Timeout,
		"sources.stackoverflow.timeout": c.Sources.StackOverflow.Timeout,
		"delivery.bot_api.timeout":      c.Delivery.BotAPI.Timeout,
		"delivery.retry_base":           c.Delivery.RetryBase,
		"delivery.retry_max_delay":      c.Delivery.RetryMaxDelay,
	}
	for name, raw := range fields {
		if _, err := ParseDurationField(name, raw); err != nil {
			return err
		}
	}
	for host, raw := range c.Scheduler.SourceIntervals {
		if _, err := ParseDurationField("scheduler.source_intervals."+host, raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField parses a duration string; empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func coerceToJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML makes all map keys strings so the value round-trips through
// encoding/json.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
