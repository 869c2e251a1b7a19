package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram is the telebot-backed Transport.
type Telegram struct {
	bot *tele.Bot
}

// NewTelegram builds an offline bot: it only sends, it never polls. apiURL
// overrides the Bot API endpoint and may be empty.
func NewTelegram(token, apiURL string, timeout time.Duration) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     apiURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, to Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	})
	return err
}
