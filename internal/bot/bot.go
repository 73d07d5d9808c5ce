// Package bot implements the Telegram front end: subscription commands and
// notification delivery.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_notify/internal/config"
	"rss_notify/internal/fetcher"
	"rss_notify/internal/storage"
)

// Long-polling timeout in seconds, and the HTTP client timeout that leaves
// slack on top of it for getUpdates.
const (
	pollTimeout = 60
	httpTimeout = (pollTimeout + 15) * time.Second
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram bot that handles user commands and sends notifications.
type Bot struct {
	api     telegramAPI
	store   *storage.Store
	cfg     *config.Config
	fetcher *fetcher.Fetcher
	log     *slog.Logger

	handlers sync.WaitGroup
}

// New creates a Bot with the given Telegram token, store, fetcher and config.
func New(token string, store *storage.Store, f *fetcher.Fetcher, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: httpTimeout})
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Info("authorized on telegram", "username", api.Self.UserName)

	return &Bot{
		api:     api,
		store:   store,
		cfg:     cfg,
		fetcher: f,
		log:     log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled and
// every in-flight update handler has returned.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout

	updates := b.api.GetUpdatesChan(u)
	defer b.handlers.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handlers.Add(1)
			go func() {
				defer b.handlers.Done()
				b.handleUpdate(ctx, update)
			}()
		}
	}
}

// Send delivers text to the chat identified by subscriberID. It gives up when
// ctx is done even if the request is still in flight.
func (b *Bot) Send(ctx context.Context, subscriberID, text string) error {
	chatID, err := strconv.ParseInt(subscriberID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", subscriberID, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := call(ctx, func() (tgbotapi.Message, error) { return b.api.Send(msg) }); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// call runs fn and returns early once ctx is done. An abandoned request keeps
// running until the HTTP client timeout ends it.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	b.send(ctx, tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(ctx context.Context, msg tgbotapi.MessageConfig) {
	msg.DisableWebPagePreview = true
	if _, err := call(ctx, func() (tgbotapi.Message, error) { return b.api.Send(msg) }); err != nil {
		b.log.Error("send message", "chat_id", msg.ChatID, "error", err)
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if b.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CommandTimeout)
		defer cancel()
	}

	if cb := update.CallbackQuery; cb != nil {
		if cb.From == nil || cb.Message == nil {
			return
		}
		if !b.cfg.IsUserAllowed(cb.From.ID) {
			b.answer(ctx, cb, "Access denied.")
			return
		}
		b.handleCallback(ctx, cb)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if !b.cfg.IsUserAllowed(msg.From.ID) {
		b.reply(ctx, msg.Chat.ID, "Access denied.")
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	if LooksLikeURL(msg.Text) {
		b.handleAdd(ctx, msg.Chat.ID, msg.Text)
		return
	}
	b.reply(ctx, msg.Chat.ID, "Send me a feed URL or use /help to see what I can do.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "help":
		b.handleHelp(ctx, chatID)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case "list", "myfeeds":
		b.handleList(ctx, chatID)
	case "remove", "removefeed":
		b.handleRemove(ctx, chatID, args)
	default:
		b.reply(ctx, chatID, "Unknown command. Use /help for a list of commands.")
	}
}

func subscriberKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
