package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"linkwatch/internal/detector"
	"linkwatch/pkg/logx"
)

// BotAPIOptions configures the HTTP sink that pushes updates to the bot
// process.
type BotAPIOptions struct {
	BaseURL string
	Timeout time.Duration
}

// BotAPISink posts update events to the bot front-end's /updates endpoint.
type BotAPISink struct {
	http *resty.Client
	log  logx.Logger
}

// updatePayload mirrors the bot API's update schema.
type updatePayload struct {
	ID          int64   `json:"id"`
	URL         string  `json:"url"`
	Description string  `json:"description"`
	TgChatIDs   []int64 `json:"tgChatIds"`
}

func NewBotAPISink(opts BotAPIOptions, log logx.Logger) (*BotAPISink, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("bot api base url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")

	return &BotAPISink{http: client, log: log}, nil
}

func (s *BotAPISink) Deliver(ctx context.Context, chatID int64, event detector.UpdateEvent) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(updatePayload{
			ID:          event.LinkID,
			URL:         event.URL,
			Description: event.Summary,
			TgChatIDs:   []int64{chatID},
		}).
		Post("/updates")
	if err != nil {
		return fmt.Errorf("post /updates: %w", err)
	}
	if resp.IsError() {
		code := resp.StatusCode()
		// 4xx means the bot rejected the payload or the chat; retrying the
		// same request cannot succeed. 429 is throttling, so still transient.
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return &PermanentError{Reason: fmt.Sprintf("bot api status %d", code)}
		}
		return fmt.Errorf("bot api status %d", code)
	}
	return nil
}
