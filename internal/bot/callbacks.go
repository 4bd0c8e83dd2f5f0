package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdGroup   = "group"
	cmdArchive = "archive"
	cmdIndex   = "index"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, arg, ok := strings.Cut(data, ":")
	if !ok || arg == "" {
		return
	}
	if _, err := ParseIDArg(arg); err != nil {
		return
	}

	b.log.Info("callback",
		"action", action,
		"group", arg,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdGroup:
		b.handleGroup(ctx, chatID, arg)
	case cmdArchive:
		b.handleArchive(ctx, chatID, arg)
	case cmdIndex:
		b.handleIndex(ctx, chatID, arg)
	}
}
