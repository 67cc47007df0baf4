// Package telegram pushes terminal run reports to a Telegram chat. It is
// send-only; nothing coming back from the chat feeds into coordination.
package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mvlachos/accord/internal/config"
	"github.com/mvlachos/accord/internal/dispatch"
	"github.com/mvlachos/accord/internal/orchestrator"
)

type Notifier struct {
	bot    *telego.Bot
	chatID int64
}

func NewNotifier(cfg config.TelegramConfig) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not configured")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id not configured")
	}

	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID}, nil
}

// NotifyReport sends a summary of one terminal run to the configured chat.
func (n *Notifier) NotifyReport(ctx context.Context, r orchestrator.Report) error {
	return n.send(ctx, formatReport(r))
}

func (n *Notifier) send(ctx context.Context, text string) error {
	chunks := chunkMessage(text, 4096)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(n.chatID), chunk)
		if _, err := n.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func formatReport(r orchestrator.Report) string {
	var b strings.Builder

	icon := "✅"
	switch r.Status {
	case orchestrator.StatusPartial:
		icon = "⚠️"
	case orchestrator.StatusFailed:
		icon = "❌"
	}
	fmt.Fprintf(&b, "%s %s: objective %s\n", icon, r.Status, r.ObjectiveID)
	fmt.Fprintf(&b, "run %s\n", r.RunID)

	completed := 0
	for _, p := range r.Phases {
		if p.Status == dispatch.StatusComplete {
			completed++
		}
	}
	if len(r.Phases) > 0 {
		fmt.Fprintf(&b, "phases: %d/%d complete\n", completed, len(r.Phases))
	}
	if r.Confidence > 0 {
		fmt.Fprintf(&b, "confidence: %.2f\n", r.Confidence)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	if r.Output != "" {
		fmt.Fprintf(&b, "\n%s", r.Output)
	}
	return b.String()
}

// chunkMessage splits text into pieces under Telegram's message size limit,
// preferring to cut at a newline in the back half of each chunk.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
