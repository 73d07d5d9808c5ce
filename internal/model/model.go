// Package model defines the domain types used across the application.
package model

import (
	"bytes"
	"encoding/json"
	"maps"
	"strings"
	"time"
)

// Placeholders used when a feed entry lacks a title or a link.
const (
	UntitledPost = "Untitled Post"
	MissingLink  = "#"
)

// Entry is a normalized snapshot of a single feed item.
type Entry struct {
	Title     string
	Link      string
	Published string // opaque, informational only
}

// NewEntry builds an Entry, substituting placeholders for an empty title or link.
func NewEntry(title, link, published string) Entry {
	title = strings.TrimSpace(title)
	if title == "" {
		title = UntitledPost
	}
	link = strings.TrimSpace(link)
	if link == "" {
		link = MissingLink
	}
	return Entry{Title: title, Link: link, Published: strings.TrimSpace(published)}
}

// Watermark marks the newest entry already delivered for a subscriber/feed pair.
// The zero value means no delivery history.
type Watermark struct {
	LastLink  string
	LastTitle string
}

// IsZero reports whether the watermark has never been seeded.
func (w Watermark) IsZero() bool { return w.LastLink == "" }

// WatermarkOf returns the watermark pointing at e.
func WatermarkOf(e Entry) Watermark {
	return Watermark{LastLink: e.Link, LastTitle: e.Title}
}

// Subscription is a single feed watched by a single subscriber.
type Subscription struct {
	FeedURL      string
	DisplayTitle string
	Watermark    Watermark
	AddedAt      time.Time

	// Extra keeps persisted fields this version does not know about.
	Extra map[string]json.RawMessage
}

// Clone returns a deep copy of s.
func (s Subscription) Clone() Subscription {
	if s.Extra != nil {
		extra := make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			extra[k] = bytes.Clone(v)
		}
		s.Extra = extra
	}
	return s
}

// record is the persisted shape of a Subscription. The feed URL is the map key
// it is stored under.
type record struct {
	Title         string     `json:"title"`
	LastPostLink  *string    `json:"last_post_link"`
	LastPostTitle *string    `json:"last_post_title"`
	AddedAt       *time.Time `json:"added_at,omitempty"`
}

var recordFields = []string{"title", "last_post_link", "last_post_title", "added_at"}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MarshalJSON encodes s as a state file record, merging back any unknown fields.
func (s Subscription) MarshalJSON() ([]byte, error) {
	rec := record{
		Title:         s.DisplayTitle,
		LastPostLink:  nullable(s.Watermark.LastLink),
		LastPostTitle: nullable(s.Watermark.LastTitle),
	}
	if !s.AddedAt.IsZero() {
		t := s.AddedAt.UTC()
		rec.AddedAt = &t
	}
	known, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}

	fields := make(map[string]json.RawMessage, len(s.Extra)+len(recordFields))
	maps.Copy(fields, s.Extra)
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownFields); err != nil {
		return nil, err
	}
	maps.Copy(fields, knownFields)
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a state file record. Fields it does not recognize are
// kept in Extra.
func (s *Subscription) UnmarshalJSON(b []byte) error {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for _, k := range recordFields {
		delete(fields, k)
	}

	*s = Subscription{
		FeedURL:      s.FeedURL,
		DisplayTitle: rec.Title,
	}
	if rec.LastPostLink != nil {
		s.Watermark.LastLink = *rec.LastPostLink
	}
	if rec.LastPostTitle != nil {
		s.Watermark.LastTitle = *rec.LastPostTitle
	}
	if rec.AddedAt != nil {
		s.AddedAt = rec.AddedAt.UTC()
	}
	if len(fields) > 0 {
		s.Extra = fields
	}
	return nil
}

// Graph maps subscriber ID to feed URL to subscription.
type Graph map[string]map[string]Subscription

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for sub, feeds := range g {
		cp := make(map[string]Subscription, len(feeds))
		for url, s := range feeds {
			cp[url] = s.Clone()
		}
		out[sub] = cp
	}
	return out
}

// UnmarshalJSON decodes the state file and fills in each FeedURL from its key.
func (g *Graph) UnmarshalJSON(b []byte) error {
	var raw map[string]map[string]Subscription
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Graph, len(raw))
	for sub, feeds := range raw {
		cp := make(map[string]Subscription, len(feeds))
		for url, s := range feeds {
			s.FeedURL = url
			cp[url] = s
		}
		out[sub] = cp
	}
	*g = out
	return nil
}
