package push

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram pushes to a chat (optionally a forum thread) through the Bot API.
// The bot is send-only; no update polling is started.
type Telegram struct {
	name     string
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewTelegram(name, token string, chatID int64, threadID int) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Telegram{name: name, bot: bot, chatID: chatID, threadID: threadID}, nil
}

func (t *Telegram) Name() string { return t.name }

func (t *Telegram) Send(ctx context.Context, p Payload) error {
	text := p.Title
	if p.Body != "" {
		text += "\n\n" + p.Body
	}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text, opts)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
