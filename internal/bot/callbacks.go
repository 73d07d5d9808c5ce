package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	actionRemoveAsk = "rmask"
	actionRemove    = "rm"
	actionNoop      = "noop"
)

func (b *Bot) answer(ctx context.Context, cb *tgbotapi.CallbackQuery, text string) {
	ack := tgbotapi.NewCallback(cb.ID, text)
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return b.api.Request(ack) }); err != nil {
		b.log.Error("send callback ack", "error", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	b.answer(ctx, cb, "")

	action, key, ok := parseCallback(cb.Data)
	if !ok {
		return
	}

	b.log.Info("callback",
		"action", action,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case actionRemoveAsk:
		sub, found := b.store.FindByKey(subscriberKey(chatID), key)
		if !found {
			b.reply(ctx, chatID, "This feed is no longer in your list.")
			return
		}
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Remove '%s' (%s)?", sub.DisplayTitle, sub.FeedURL))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, remove", actionRemove+":"+key),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", actionNoop+":0"),
			),
		)
		b.send(ctx, msg)
	case actionRemove:
		removed, err := b.store.RemoveByKey(ctx, subscriberKey(chatID), key)
		b.replyRemoved(ctx, chatID, removed, err)
	case actionNoop:
	}
}
