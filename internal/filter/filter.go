// Package filter evaluates the per-link filter expression stored with each
// subscription and decides which chats receive a given update event.
//
// Filter syntax: whitespace-separated terms joined by AND. A term is either
// "tag:NAME" (the link carries that tag), "keyword:WORD" (the event summary
// contains that word), or a bare word, which is shorthand for keyword.
// Comma-separated values inside one term are alternatives (OR). An empty
// filter matches everything.
package filter

import (
	"strings"
	"sync"
)

// Predicate is a compiled filter expression. Evaluation is pure: the same
// (summary, tags) input always yields the same answer.
type Predicate interface {
	Matches(summary string, tags map[string]bool) bool
}

type andNode []Predicate

func (n andNode) Matches(summary string, tags map[string]bool) bool {
	for _, p := range n {
		if !p.Matches(summary, tags) {
			return false
		}
	}
	return true
}

type orNode []Predicate

func (n orNode) Matches(summary string, tags map[string]bool) bool {
	for _, p := range n {
		if p.Matches(summary, tags) {
			return true
		}
	}
	return false
}

type tagMatch string

func (t tagMatch) Matches(_ string, tags map[string]bool) bool {
	return tags[string(t)]
}

type keywordMatch string

func (k keywordMatch) Matches(summary string, _ map[string]bool) bool {
	return strings.Contains(strings.ToLower(summary), string(k))
}

type matchAll struct{}

func (matchAll) Matches(string, map[string]bool) bool { return true }

// Parse compiles a filter expression. It never fails: terms that reduce to
// nothing are ignored, and an empty expression passes everything.
func Parse(expr string) Predicate {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return matchAll{}
	}

	var and andNode
	for _, field := range fields {
		kind := "keyword"
		value := field
		if i := strings.IndexByte(field, ':'); i >= 0 {
			kind = strings.ToLower(strings.TrimSpace(field[:i]))
			value = field[i+1:]
		}

		var or orNode
		for _, alt := range strings.Split(value, ",") {
			alt = strings.ToLower(strings.TrimSpace(alt))
			if alt == "" {
				continue
			}
			switch kind {
			case "tag":
				or = append(or, tagMatch(alt))
			default:
				or = append(or, keywordMatch(alt))
			}
		}
		if len(or) == 1 {
			and = append(and, or[0])
		} else if len(or) > 1 {
			and = append(and, or)
		}
	}

	if len(and) == 0 {
		return matchAll{}
	}
	if len(and) == 1 {
		return and[0]
	}
	return and
}

// Cache memoizes compiled predicates keyed by the raw expression, so the
// evaluator does not re-parse a link's filter on every tick.
type Cache struct {
	mu       sync.Mutex
	compiled map[string]Predicate
}

func NewCache() *Cache {
	return &Cache{compiled: make(map[string]Predicate)}
}

func (c *Cache) Compile(expr string) Predicate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.compiled[expr]; ok {
		return p
	}
	p := Parse(expr)
	c.compiled[expr] = p
	return p
}
