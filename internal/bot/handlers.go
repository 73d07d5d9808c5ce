package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_notify/internal/detector"
	"rss_notify/internal/model"
	"rss_notify/internal/storage"
)

const saveFailedText = "Could not save your subscriptions right now. Please try again later."

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	b.reply(ctx, chatID, `Welcome to RSS Notify Bot!

Send me a feed URL and I will notify you when there is a new post.

Use /add <url> to add a feed.
Use /list to see your current subscriptions.
Use /remove <number> to remove a subscription.`)
}

func (b *Bot) handleHelp(ctx context.Context, chatID int64) {
	b.reply(ctx, chatID, `Commands:
/add <url> — subscribe to an RSS or Atom feed
/list — show your subscriptions
/remove <number|url> — unsubscribe
/help — show this message

You can also just send a feed URL to subscribe.`)
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	addr := firstArg(args)
	if addr == "" {
		b.reply(ctx, chatID, "Usage: /add <url>\nExample: /add https://example.com/rss.xml")
		return
	}

	u, err := ParseFeedURL(addr)
	if err != nil {
		b.reply(ctx, chatID, err.Error())
		return
	}

	id := subscriberKey(chatID)
	if b.store.Contains(id, addr) {
		b.reply(ctx, chatID, "You are already subscribed to this feed.")
		return
	}

	feed, err := b.fetcher.Fetch(ctx, addr)
	if err != nil {
		b.log.Warn("fetch feed for add", "chat_id", chatID, "url", addr, "error", err)
		b.reply(ctx, chatID, fmt.Sprintf("Could not read a feed from %s.", addr))
		return
	}

	sub := model.Subscription{
		FeedURL:      addr,
		DisplayTitle: DisplayTitle(feed.Title, u),
		Watermark:    detector.Seed(feed.Entries),
	}
	switch err := b.store.Add(ctx, id, sub); {
	case errors.Is(err, storage.ErrAlreadySubscribed):
		b.reply(ctx, chatID, "You are already subscribed to this feed.")
		return
	case err != nil:
		b.log.Error("add subscription", "chat_id", chatID, "url", addr, "error", err)
		b.reply(ctx, chatID, saveFailedText)
		return
	}

	b.log.Info("subscription added", "chat_id", chatID, "url", addr)
	b.reply(ctx, chatID, fmt.Sprintf("Added '%s' (%s). I will notify you of new posts.", sub.DisplayTitle, addr))
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	subs := b.store.List(subscriberKey(chatID))
	msg := tgbotapi.NewMessage(chatID, FormatFeedList(subs, time.Now()))
	if len(subs) > 0 {
		msg.ReplyMarkup = removeKeyboard(subs)
	}
	b.send(ctx, msg)
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(ctx, chatID, "Usage: /remove <number|url>\nUse /list to see the numbers.")
		return
	}

	removed, err := b.store.Remove(ctx, subscriberKey(chatID), args)
	b.replyRemoved(ctx, chatID, removed, err)
}

func (b *Bot) replyRemoved(ctx context.Context, chatID int64, removed model.Subscription, err error) {
	var ve *storage.ValidationError
	switch {
	case errors.As(err, &ve):
		b.reply(ctx, chatID, ve.Msg)
	case errors.Is(err, storage.ErrNotFound):
		b.reply(ctx, chatID, "You are not subscribed to this feed.")
	case err != nil:
		b.log.Error("remove subscription", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, saveFailedText)
	default:
		b.log.Info("subscription removed", "chat_id", chatID, "url", removed.FeedURL)
		b.reply(ctx, chatID, fmt.Sprintf("Removed '%s'.", removed.DisplayTitle))
	}
}
