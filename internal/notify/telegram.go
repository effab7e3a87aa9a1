package notify

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends approval messages to one chat. The bot is created on first
// use so a missing network at startup does not block the daemon.
type Telegram struct {
	token    string
	chatID   int64
	endpoint string
	client   tgbotapi.HTTPClient

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegram(token string, chatID int64) *Telegram {
	return &Telegram{token: token, chatID: chatID, endpoint: tgbotapi.APIEndpoint}
}

// WithEndpoint points the bot at another API endpoint; tests use it with httptest.
func (t *Telegram) WithEndpoint(endpoint string, client tgbotapi.HTTPClient) *Telegram {
	t.endpoint = endpoint
	t.client = client
	return t
}

func (t *Telegram) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if t.client != nil {
		bot, err = tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	} else {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) Notify(_ context.Context, channel, message string) error {
	bot, err := t.botAPI()
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, message)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram %s: %w", channel, err)
	}
	return nil
}
