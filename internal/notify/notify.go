// Package notify hands computed delivery intents to the bot front-end.
package notify

import (
	"context"
	"fmt"

	"linkwatch/internal/detector"
)

// Sink is the bot delivery interface the dispatcher produces to. The engine
// hands over a summary payload; rendering user-facing text is the bot's job.
type Sink interface {
	Deliver(ctx context.Context, chatID int64, event detector.UpdateEvent) error
}

// PermanentError marks a delivery failure that retrying cannot fix (unknown
// chat, bot blocked, malformed payload). The dispatcher logs and drops it.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }
