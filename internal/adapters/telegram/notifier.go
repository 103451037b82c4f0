package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/pkg/logger"
)

// Notifier posts validation run summaries to a single Telegram chat.
// An empty bot token disables it entirely.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier creates the notifier, or (nil, nil) when no token is
// configured so callers can treat it as optional.
func NewNotifier(cfg *config.TelegramConfig) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot.Debug = false

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
	)

	return &Notifier{api: bot, chatID: cfg.ChatID}, nil
}

// SendValidationSummary reports one region's validation batch.
func (n *Notifier) SendValidationSummary(region string, validated, correct int, failed []string) error {
	if n == nil {
		return nil
	}

	emoji := "📊"
	if validated > 0 && correct == validated {
		emoji = "✅"
	} else if len(failed) > 0 {
		emoji = "⚠️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s session validated*\n", emoji, region)
	fmt.Fprintf(&b, "Graded: %d\n", validated)
	if validated > 0 {
		fmt.Fprintf(&b, "Correct: %d (%.0f%%)\n", correct, float64(correct)/float64(validated)*100)
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "Failed: %s\n", strings.Join(failed, ", "))
	}

	return n.sendMessageMarkdown(b.String())
}

func (n *Notifier) sendMessageMarkdown(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"

	if _, err := n.api.Send(msg); err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", n.chatID),
			zap.Error(err),
		)
		return err
	}

	return nil
}
