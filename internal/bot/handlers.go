package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"forum_archive/internal/model"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to the forum archive admin bot!

Archive passes copy new and updated threads to local storage.
Index passes turn archived threads into activity records.

Quick start:
1. /discover — find groups to track
2. /archive <group> — archive a group
3. /index <group> — index what was archived

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Groups:
/groups — list tracked groups
/group <group> — group details
/discover [-all] [name] — add matching remote groups (-all includes closed groups)

Passes:
/archive <group> — run an archive pass
/index <group> — run an index pass
/indexall — index every group

Activity:
/activity <id> — show an indexed post or comment

<group> is a numeric group id or a configured key.`)
}

func (b *Bot) handleGroups(chatID int64) {
	b.reply(chatID, FormatGroupList(b.deps.Groups.List()))
}

func (b *Bot) handleGroup(ctx context.Context, chatID int64, args string) {
	key, err := ParseGroupArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /group <group>")
		return
	}

	g, err := b.deps.Groups.Resolve(key)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Group %q not found.", key))
		return
	}

	posts, err := b.deps.Groups.PostCount(ctx, g.ID)
	if err != nil {
		b.log.Warn("count posts", "group_id", g.ID, "error", err)
		posts = -1
	}
	activities, err := b.deps.Activities.CountActivities(ctx, g.ID)
	if err != nil {
		b.log.Warn("count activities", "group_id", g.ID, "error", err)
		activities = -1
	}

	id := strconv.FormatInt(g.ID, 10)
	msg := tgbotapi.NewMessage(chatID, FormatGroupInfo(g, posts, activities))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Archive now", cmdArchive+":"+id),
			tgbotapi.NewInlineKeyboardButtonData("Index now", cmdIndex+":"+id),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send group info", "error", err)
	}
}

func (b *Bot) handleArchive(ctx context.Context, chatID int64, args string) {
	key, err := ParseGroupArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /archive <group>")
		return
	}
	b.reply(chatID, fmt.Sprintf("Archiving %s...", key))

	g, err := b.deps.Archiver.ArchiveGroup(ctx, key)
	if err != nil {
		b.reply(chatID, passFailure(cmdArchive, key, err))
		return
	}
	b.reply(chatID, FormatPassResult(cmdArchive, g))
}

func (b *Bot) handleIndex(ctx context.Context, chatID int64, args string) {
	key, err := ParseGroupArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /index <group>")
		return
	}
	b.reply(chatID, fmt.Sprintf("Indexing %s...", key))

	g, err := b.deps.Indexer.IndexGroup(ctx, key)
	if err != nil {
		b.reply(chatID, passFailure(cmdIndex, key, err))
		return
	}
	b.reply(chatID, FormatPassResult(cmdIndex, g))
}

func (b *Bot) handleIndexAll(ctx context.Context, chatID int64) {
	b.reply(chatID, "Indexing all groups...")
	done, err := b.deps.Indexer.IndexAll(ctx)
	b.reply(chatID, FormatIndexAll(done, err))
}

func (b *Bot) handleDiscover(ctx context.Context, chatID int64, args string) {
	publicOnly, filter := ParseDiscoverArgs(args, b.cfg.Queries.Groups.PublicOnly, b.cfg.Queries.Groups.Filter)

	groups, err := b.deps.Groups.Discover(ctx, publicOnly, filter)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Discovery failed: %v", err))
		return
	}
	if len(groups) == 0 {
		b.reply(chatID, fmt.Sprintf("No remote groups match %q.", filter))
		return
	}
	b.reply(chatID, fmt.Sprintf("Discovered %d group(s):\n%s", len(groups), FormatGroupList(groups)))
}

func (b *Bot) handleActivity(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /activity <id>")
		return
	}

	a, err := b.deps.Activities.GetActivity(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("Activity %d not found.", id))
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatActivity(a))
}

func passFailure(pass, key string, err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return fmt.Sprintf("Group %q not found.", key)
	case errors.Is(err, model.ErrBusy):
		return fmt.Sprintf("Group %s is busy, try again later.", key)
	default:
		return fmt.Sprintf("The %s pass of %s failed: %v", pass, key, err)
	}
}
