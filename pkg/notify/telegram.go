package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kizunalab/kizuna/pkg/errs"
)

// telegramSender is the slice of tgbotapi.BotAPI we use, split out so
// tests can fake it.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier pushes messages to one or more Telegram chats.
type TelegramNotifier struct {
	bot            telegramSender
	defaultChatIDs []int64
}

func NewTelegramNotifier(token, chatIDs string) (*TelegramNotifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	ids, err := parseChatIDs(chatIDs)
	if err != nil {
		return nil, err
	}
	return &TelegramNotifier{bot: bot, defaultChatIDs: ids}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Send(ctx context.Context, target, title, body string) error {
	targets := t.defaultChatIDs
	if strings.TrimSpace(target) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
		if err != nil {
			return fmt.Errorf("telegram send: bad chat id %q: %w", target, err)
		}
		targets = []int64{id}
	}
	if len(targets) == 0 {
		return fmt.Errorf("telegram send: no target chat configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := body
	if title != "" {
		text = title + "\n" + body
	}
	for _, chatID := range targets {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			return fmt.Errorf("telegram send to %d: %w: %w", chatID, errs.ErrUpstream, err)
		}
	}
	return nil
}

func parseChatIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse telegram chat id %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}
