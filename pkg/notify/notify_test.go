package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kizunalab/kizuna/pkg/config"
	"github.com/kizunalab/kizuna/pkg/errs"
)

type fakeDiscord struct {
	channelID string
	content   string
	err       error
}

func (f *fakeDiscord) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channelID = channelID
	f.content = content
	return &discordgo.Message{}, f.err
}

type fakeTelegram struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestNew_EmptyChannelMeansNoNotifier(t *testing.T) {
	n, err := New(config.NotifyConfig{})
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(config.NotifyConfig{Channel: "discord"})
	assert.Error(t, err)

	_, err = New(config.NotifyConfig{Channel: "telegram"})
	assert.Error(t, err)
}

func TestDiscordSend_TargetFallback(t *testing.T) {
	fake := &fakeDiscord{}
	d := &DiscordNotifier{session: fake, defaultChannel: "chan-default"}

	require.NoError(t, d.Send(context.Background(), "", "hello", "are you there?"))
	assert.Equal(t, "chan-default", fake.channelID)
	assert.Contains(t, fake.content, "**hello**")
	assert.Contains(t, fake.content, "are you there?")

	require.NoError(t, d.Send(context.Background(), "chan-explicit", "", "ping"))
	assert.Equal(t, "chan-explicit", fake.channelID)
	assert.Equal(t, "ping", fake.content)
}

func TestDiscordSend_NoTarget(t *testing.T) {
	d := &DiscordNotifier{session: &fakeDiscord{}}
	assert.Error(t, d.Send(context.Background(), "", "t", "b"))
}

func TestDiscordSend_UpstreamError(t *testing.T) {
	fake := &fakeDiscord{err: errors.New("boom")}
	d := &DiscordNotifier{session: fake, defaultChannel: "c"}

	err := d.Send(context.Background(), "", "t", "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUpstream))
}

func TestTelegramSend_AllDefaultChats(t *testing.T) {
	fake := &fakeTelegram{}
	n := &TelegramNotifier{bot: fake, defaultChatIDs: []int64{1, 2}}

	require.NoError(t, n.Send(context.Background(), "", "hi", "text"))
	assert.Len(t, fake.sent, 2)
}

func TestTelegramSend_ExplicitTarget(t *testing.T) {
	fake := &fakeTelegram{}
	n := &TelegramNotifier{bot: fake, defaultChatIDs: []int64{1, 2}}

	require.NoError(t, n.Send(context.Background(), "42", "", "text"))
	require.Len(t, fake.sent, 1)
	msg, ok := fake.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, "text", msg.Text)
}

func TestTelegramSend_BadTarget(t *testing.T) {
	n := &TelegramNotifier{bot: &fakeTelegram{}, defaultChatIDs: []int64{1}}
	assert.Error(t, n.Send(context.Background(), "not-a-number", "t", "b"))
}

func TestParseChatIDs(t *testing.T) {
	ids, err := parseChatIDs(" 1, 2 ,3 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids, err = parseChatIDs("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = parseChatIDs("1,x")
	assert.Error(t, err)
}
