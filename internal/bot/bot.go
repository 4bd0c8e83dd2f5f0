// Package bot implements the Telegram admin bot: it lists groups, triggers
// archive and index passes and looks up indexed activity.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"forum_archive/internal/config"
	"forum_archive/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Groups is the group registry as seen by the bot.
type Groups interface {
	List() []model.Group
	Resolve(idOrKey string) (model.Group, error)
	PostCount(ctx context.Context, id int64) (int, error)
	Discover(ctx context.Context, publicOnly bool, nameFilter string) ([]model.Group, error)
}

// Archiver runs archive passes.
type Archiver interface {
	ArchiveGroup(ctx context.Context, idOrKey string) (model.Group, error)
}

// Indexer runs index passes.
type Indexer interface {
	IndexGroup(ctx context.Context, idOrKey string) (model.Group, error)
	IndexAll(ctx context.Context) ([]model.Group, error)
}

// Activities reads the activity index.
type Activities interface {
	GetActivity(ctx context.Context, id int64) (*model.Activity, error)
	CountActivities(ctx context.Context, groupID int64) (int, error)
}

// Deps bundles the components the bot drives.
type Deps struct {
	Groups     Groups
	Archiver   Archiver
	Indexer    Indexer
	Activities Activities
}

// Bot is the Telegram bot that handles admin commands and sends notifications.
type Bot struct {
	api  telegramAPI
	deps Deps
	cfg  *config.Config
	log  *slog.Logger
}

// New creates a Bot with the given Telegram token.
func New(token string, deps Deps, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:  api,
		deps: deps,
		cfg:  cfg,
		log:  log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		if update.CallbackQuery.From == nil || !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
			return
		}
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}
	if update.Message.From == nil || !b.cfg.IsUserAllowed(update.Message.From.ID) {
		b.reply(update.Message.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, update.Message)
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "groups":
		b.handleGroups(chatID)
	case cmdGroup:
		b.handleGroup(ctx, chatID, args)
	case cmdArchive:
		b.handleArchive(ctx, chatID, args)
	case cmdIndex:
		b.handleIndex(ctx, chatID, args)
	case "indexall":
		b.handleIndexAll(ctx, chatID)
	case "discover":
		b.handleDiscover(ctx, chatID, args)
	case "activity":
		b.handleActivity(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
