package notify

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"soilwatch/internal/logger"
	"soilwatch/internal/metrics"
)

// Bot is the inbound half of the chat channel: it polls Telegram for
// operator messages and dispatches them to the command handlers. Only
// allow-listed chat ids may issue commands; anything else is logged and
// ignored without side effects or a reply.
type Bot struct {
	api      *tgbotapi.BotAPI
	sender   Sender
	commands *Commands
	allowed  map[int64]bool
	log      zerolog.Logger
}

func NewBot(api *tgbotapi.BotAPI, sender Sender, commands *Commands, allowedChatIDs []int64) *Bot {
	allowed := make(map[int64]bool, len(allowedChatIDs))
	for _, id := range allowedChatIDs {
		allowed[id] = true
	}
	return &Bot{
		api:      api,
		sender:   sender,
		commands: commands,
		allowed:  allowed,
		log:      logger.WithComponent("bot"),
	}
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	b.log.Info().Int("operators", len(b.allowed)).Msg("telegram bot polling")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			b.HandleMessage(ctx, update.Message.Chat.ID, update.Message.From.UserName, update.Message.Text)

		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		}
	}
}

// HandleMessage authorizes and executes one inbound message.
func (b *Bot) HandleMessage(ctx context.Context, chatID int64, from, text string) {
	if !b.allowed[chatID] {
		metrics.CommandsTotal.WithLabelValues("_", "unauthorized").Inc()
		b.log.Warn().
			Int64("chat_id", chatID).
			Str("from", from).
			Msg("command from non-allow-listed sender rejected")
		return
	}

	reply := b.commands.Execute(ctx, text)
	if err := b.sender.Send(ctx, chatID, reply); err != nil {
		b.log.Warn().Err(err).Int64("chat_id", chatID).Msg("command reply failed")
	}
}
