package bot

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rss_notify/internal/model"
	"rss_notify/internal/storage"
)

const removeButtonsPerRow = 4

// FormatNotification formats a new feed entry as a Telegram message.
func FormatNotification(feedTitle string, e model.Entry) string {
	return fmt.Sprintf("New post in %s:\n%s\n%s", feedTitle, e.Title, e.Link)
}

// DisplayTitle picks the name shown for a subscription: the feed's own title,
// or one derived from the host when the feed has none.
func DisplayTitle(feedTitle string, u *url.URL) string {
	if t := strings.TrimSpace(feedTitle); t != "" {
		return t
	}
	return "Feed from " + u.Host
}

// FormatFeedList formats a subscriber's subscriptions, numbered from 1 in the
// order /remove accepts.
func FormatFeedList(subs []model.Subscription, now time.Time) string {
	if len(subs) == 0 {
		return "You are not subscribed to any feeds yet. Use /add <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Your subscriptions:\n")
	for i, s := range subs {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, s.DisplayTitle, s.FeedURL)
		if !s.AddedAt.IsZero() {
			fmt.Fprintf(&b, "   added %s\n", humanize.RelTime(s.AddedAt, now, "ago", "from now"))
		}
	}
	return b.String()
}

func removeKeyboard(subs []model.Subscription) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, s := range subs {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("Remove %d", i+1),
			actionRemoveAsk+":"+storage.Key(s.FeedURL),
		))
		if len(row) == removeButtonsPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
