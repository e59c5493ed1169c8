package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/kizunalab/kizuna/pkg/errs"
)

// discordSender is the slice of discordgo.Session we use, split out so
// tests can fake it.
type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier pushes messages to a Discord channel over the REST API.
// No gateway connection is opened; sending does not need one.
type DiscordNotifier struct {
	session        discordSender
	defaultChannel string
}

func NewDiscordNotifier(token, defaultChannel string) (*DiscordNotifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{session: session, defaultChannel: strings.TrimSpace(defaultChannel)}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Send(ctx context.Context, target, title, body string) error {
	channelID := strings.TrimSpace(target)
	if channelID == "" {
		channelID = d.defaultChannel
	}
	if channelID == "" {
		return fmt.Errorf("discord send: no target channel configured")
	}

	content := body
	if title != "" {
		content = "**" + title + "**\n" + body
	}
	if _, err := d.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w: %w", errs.ErrUpstream, err)
	}
	return nil
}
