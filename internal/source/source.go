// Package source defines the per-site update checkers and the registry that
// resolves a tracked URL to the checker responsible for its host.
package source

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Item is one unit of activity on a tracked resource (an issue update, a new
// answer, ...). Text is a short plain description; rendering for users
// happens in the bot, not here.
type Item struct {
	Timestamp time.Time
	Text      string
}

// Result is what a checker observed on one fetch.
type Result struct {
	Items     []Item
	CheckedAt time.Time
}

// Checker knows how to ask one kind of site "what changed since T" for a URL.
//
// since == nil means no watermark exists yet; the checker returns recent
// activity and the caller establishes the watermark from it. Failures that
// should be retried on the normal schedule are reported as *TransientError.
type Checker interface {
	FetchSince(ctx context.Context, rawURL string, since *time.Time) (Result, error)
}

// Registry maps URL hosts to checkers. It is populated once at startup;
// lookups after that are read-only, so no locking is needed.
type Registry struct {
	byHost map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{byHost: make(map[string]Checker)}
}

// Register binds a checker to a host (e.g. "github.com"). The "www." prefix
// is stripped on both register and resolve.
func (r *Registry) Register(host string, c Checker) {
	r.byHost[normalizeHost(host)] = c
}

// Resolve returns the checker for rawURL's host, or ErrUnsupportedSource when
// no checker is registered for it.
func (r *Registry) Resolve(rawURL string) (Checker, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, ErrUnsupportedSource
	}
	c, ok := r.byHost[normalizeHost(u.Hostname())]
	if !ok {
		return nil, ErrUnsupportedSource
	}
	return c, nil
}

// Hosts returns the registered hosts, for startup logging.
func (r *Registry) Hosts() []string {
	out := make([]string, 0, len(r.byHost))
	for h := range r.byHost {
		out = append(out, h)
	}
	return out
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "www.")
}
