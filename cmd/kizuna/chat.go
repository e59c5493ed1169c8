package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/kizunalab/kizuna/pkg/config"
	"github.com/kizunalab/kizuna/pkg/convlog"
	"github.com/kizunalab/kizuna/pkg/providers"
)

const chatSystemPrompt = `You are Kizuna, a warm and attentive chat companion. Keep replies short and conversational, in the language the user writes in.`

const chatHistoryTurns = 40

// runChat runs the local readline REPL. Every exchange is written through
// the sync service so the proactive scheduler and intimacy engine see it.
func runChat(ctx context.Context, cfg *config.Config, svcs *services, userID, name string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".kizuna_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Connected. Type 'exit' to quit.")

	messages := []providers.Message{{Role: "system", Content: chatSystemPrompt}}
	messages = append(messages, loadHistory(ctx, svcs, userID)...)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		now := time.Now()
		if _, err := svcs.conv.Append(ctx, convlog.Entry{
			ID:          "chat:" + uuid.NewString(),
			UserID:      userID,
			Role:        convlog.RoleUser,
			Content:     input,
			Timestamp:   now.UnixMilli(),
			DisplayName: name,
			TimeZone:    cfg.Proactive.DefaultTimeZone,
		}); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		// Chatting counts as a small positive interaction.
		if _, err := svcs.relStore.ApplyDelta(ctx, userID, 1); err != nil {
			fmt.Printf("Error: %v\n", err)
		}

		messages = append(messages, providers.Message{Role: "user", Content: input})
		resp, err := svcs.provider.Chat(ctx, messages, nil, cfg.Provider.Model, nil)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		reply := strings.TrimSpace(resp.Content)
		if reply == "" {
			continue
		}
		messages = append(messages, providers.Message{Role: "assistant", Content: reply})

		if _, err := svcs.conv.Append(ctx, convlog.Entry{
			ID:        "chat:" + uuid.NewString(),
			UserID:    userID,
			Role:      convlog.RoleCompanion,
			Content:   reply,
			Timestamp: time.Now().UnixMilli(),
			TimeZone:  cfg.Proactive.DefaultTimeZone,
		}); err != nil {
			fmt.Printf("Error: %v\n", err)
		}

		fmt.Printf("kizuna> %s\n", reply)
	}
}

// loadHistory seeds the model context with the last two days of log so a
// restarted REPL continues the conversation instead of starting cold.
func loadHistory(ctx context.Context, svcs *services, userID string) []providers.Message {
	now := time.Now()
	entries, err := svcs.conv.Window(ctx, userID, now.Add(-48*time.Hour), now, chatHistoryTurns)
	if err != nil {
		return nil
	}
	var msgs []providers.Message
	for _, e := range entries {
		role := "user"
		if e.Role == convlog.RoleCompanion {
			role = "assistant"
		}
		msgs = append(msgs, providers.Message{Role: role, Content: e.Content})
	}
	return msgs
}
