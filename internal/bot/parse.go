package bot

import (
	"net/url"
	"strings"

	"rss_notify/internal/storage"
)

// ParseFeedURL validates a subscription address. Only absolute http and https
// URLs with a host are accepted.
func ParseFeedURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &storage.ValidationError{Msg: "Feed URL is required. Example: /add https://example.com/rss.xml"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &storage.ValidationError{Msg: "Not a valid URL. Provide a full URL including http:// or https://"}
	}
	return u, nil
}

// LooksLikeURL reports whether free text sent to the bot should be treated
// as a feed address.
func LooksLikeURL(text string) bool {
	text = strings.TrimSpace(text)
	if strings.ContainsAny(text, " \t\n") {
		return false
	}
	lower := strings.ToLower(text)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// firstArg returns the first whitespace-separated word of args.
func firstArg(args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// parseCallback splits callback data of the form "action:payload".
func parseCallback(data string) (action, payload string, ok bool) {
	return strings.Cut(data, ":")
}
