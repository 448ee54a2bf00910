package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"linkwatch/internal/detector"
	"linkwatch/pkg/logx"
)

// TelegramOptions configures direct Telegram delivery, used when the
// deployment runs without a separate bot process.
type TelegramOptions struct {
	Token string
}

// TelegramSink sends the event summary straight to the chat. It is
// send-only: the bot is never started for polling.
type TelegramSink struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegramSink(opts TelegramOptions, log logx.Logger) (*TelegramSink, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  opts.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, log: log}, nil
}

func (s *TelegramSink) Deliver(ctx context.Context, chatID int64, event detector.UpdateEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chat := &tele.Chat{ID: chatID}
	text := event.Summary + "\n" + event.URL
	_, err := s.bot.Send(chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return fmt.Errorf("telegram flood limit: %w", err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		// Unknown chat, bot kicked/blocked, bad request: no amount of
		// retrying fixes these.
		return &PermanentError{Reason: "telegram rejected delivery", Err: err}
	}
	return err
}
