// Package notify delivers outward pings (Discord, Telegram) when a
// proactive message should reach the user outside the app.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/kizunalab/kizuna/pkg/config"
)

// Notifier sends a short notification to an opaque target. An empty
// target means the channel's configured default destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, target, title, body string) error
}

// New builds the notifier selected by cfg.Channel. An empty channel means
// in-app delivery only and returns (nil, nil).
func New(cfg config.NotifyConfig) (Notifier, error) {
	switch strings.TrimSpace(cfg.Channel) {
	case "":
		return nil, nil
	case "discord":
		return NewDiscordNotifier(cfg.DiscordToken, cfg.DiscordChannel)
	case "telegram":
		return NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatIDs)
	default:
		return nil, fmt.Errorf("unknown notify channel %q", cfg.Channel)
	}
}
