package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"rss_notify/internal/model"
)

// errUnchanged aborts a mutation that would not change anything, skipping the save.
var errUnchanged = errors.New("unchanged")

// Store owns the subscription graph. Every mutation is written through to the
// backend before it becomes visible.
type Store struct {
	mu      sync.RWMutex
	graph   model.Graph
	backend Backend
	log     *slog.Logger
	now     func() time.Time
}

// Stats summarizes the size of the graph.
type Stats struct {
	Subscribers   int
	Subscriptions int
	Feeds         int
}

// Open loads the graph from backend.
func Open(ctx context.Context, backend Backend, log *slog.Logger) (*Store, error) {
	g, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	if g == nil {
		g = model.Graph{}
	}
	return &Store{
		graph:   g,
		backend: backend,
		log:     log,
		now:     time.Now,
	}, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// mutate applies fn to a copy of the graph, saves the copy and swaps it in.
// The save is not cancelled with ctx so shutdown never interrupts a write.
func (s *Store) mutate(ctx context.Context, op string, fn func(g model.Graph) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.graph.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.backend.Save(context.WithoutCancel(ctx), next); err != nil {
		s.log.Error("save subscriptions", "op", op, "error", err)
		return &PersistenceError{Op: op, Err: err}
	}
	s.graph = next
	return nil
}

// Contains reports whether subscriberID already watches feedURL.
func (s *Store) Contains(subscriberID, feedURL string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.graph[subscriberID][feedURL]
	return ok
}

// Add creates a subscription. The subscriber is created on first use.
func (s *Store) Add(ctx context.Context, subscriberID string, sub model.Subscription) error {
	if subscriberID == "" || sub.FeedURL == "" {
		return &ValidationError{Msg: "subscriber and feed URL are required"}
	}
	return s.mutate(ctx, "add", func(g model.Graph) error {
		feeds := g[subscriberID]
		if _, ok := feeds[sub.FeedURL]; ok {
			return ErrAlreadySubscribed
		}
		if feeds == nil {
			feeds = make(map[string]model.Subscription)
			g[subscriberID] = feeds
		}
		if sub.AddedAt.IsZero() {
			sub.AddedAt = s.now().UTC()
		}
		feeds[sub.FeedURL] = sub.Clone()
		return nil
	})
}

// Remove deletes a subscription referenced either by its 1-based position in
// List or by its exact feed URL.
func (s *Store) Remove(ctx context.Context, subscriberID, ref string) (model.Subscription, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Subscription{}, &ValidationError{Msg: "feed number or URL is required"}
	}

	var removed model.Subscription
	err := s.mutate(ctx, "remove", func(g model.Graph) error {
		subs := ordered(g[subscriberID])
		target, err := resolve(subs, ref)
		if err != nil {
			return err
		}
		delete(g[subscriberID], target.FeedURL)
		removed = target
		return nil
	})
	return removed, err
}

// RemoveByKey deletes the subscription whose feed URL hashes to key.
func (s *Store) RemoveByKey(ctx context.Context, subscriberID, key string) (model.Subscription, error) {
	var removed model.Subscription
	err := s.mutate(ctx, "remove", func(g model.Graph) error {
		for url, sub := range g[subscriberID] {
			if Key(url) == key {
				delete(g[subscriberID], url)
				removed = sub
				return nil
			}
		}
		return ErrNotFound
	})
	return removed, err
}

// FindByKey returns the subscription whose feed URL hashes to key.
func (s *Store) FindByKey(subscriberID, key string) (model.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for url, sub := range s.graph[subscriberID] {
		if Key(url) == key {
			return sub.Clone(), true
		}
	}
	return model.Subscription{}, false
}

// List returns the subscriber's subscriptions in the order they were added.
func (s *Store) List(subscriberID string) []model.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := ordered(s.graph[subscriberID])
	for i := range subs {
		subs[i] = subs[i].Clone()
	}
	return subs
}

// CommitWatermark advances the watermark of one subscription. It reports
// whether anything was written; a subscription removed in the meantime or an
// unchanged watermark is not an error.
func (s *Store) CommitWatermark(ctx context.Context, subscriberID, feedURL string, wm model.Watermark) (bool, error) {
	if w, ok := s.backend.(WatermarkWriter); ok {
		return s.commitRow(ctx, w, subscriberID, feedURL, wm)
	}
	err := s.mutate(ctx, "commit watermark", func(g model.Graph) error {
		sub, ok := g[subscriberID][feedURL]
		if !ok || sub.Watermark == wm {
			return errUnchanged
		}
		sub.Watermark = wm
		g[subscriberID][feedURL] = sub
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) commitRow(ctx context.Context, w WatermarkWriter, subscriberID, feedURL string, wm model.Watermark) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.graph[subscriberID][feedURL]
	if !ok || sub.Watermark == wm {
		return false, nil
	}
	if err := w.SaveWatermark(context.WithoutCancel(ctx), subscriberID, feedURL, wm); err != nil {
		s.log.Error("save watermark", "chat_id", subscriberID, "url", feedURL, "error", err)
		return false, &PersistenceError{Op: "commit watermark", Err: err}
	}
	// Snapshots are deep copies, so updating the live graph in place is safe.
	sub.Watermark = wm
	s.graph[subscriberID][feedURL] = sub
	return true, nil
}

// Snapshot returns a deep copy of the whole graph.
func (s *Store) Snapshot() model.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Clone()
}

// Stats counts subscribers, subscriptions and distinct feeds.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	feeds := make(map[string]struct{})
	for _, subs := range s.graph {
		st.Subscribers++
		st.Subscriptions += len(subs)
		for url := range subs {
			feeds[url] = struct{}{}
		}
	}
	st.Feeds = len(feeds)
	return st
}

func ordered(feeds map[string]model.Subscription) []model.Subscription {
	subs := make([]model.Subscription, 0, len(feeds))
	for _, sub := range feeds {
		subs = append(subs, sub)
	}
	slices.SortFunc(subs, func(a, b model.Subscription) int {
		return cmp.Or(a.AddedAt.Compare(b.AddedAt), strings.Compare(a.FeedURL, b.FeedURL))
	})
	return subs
}

func resolve(subs []model.Subscription, ref string) (model.Subscription, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(subs) {
			return model.Subscription{}, &ValidationError{
				Msg: fmt.Sprintf("Invalid feed number %d. Use /list to see valid numbers.", n),
			}
		}
		return subs[n-1], nil
	}
	for _, sub := range subs {
		if sub.FeedURL == ref {
			return sub, nil
		}
	}
	return model.Subscription{}, ErrNotFound
}
