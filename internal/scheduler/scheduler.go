// Package scheduler periodically polls subscribed feeds and delivers new entries.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"rss_notify/internal/bot"
	"rss_notify/internal/detector"
	"rss_notify/internal/fetcher"
	"rss_notify/internal/model"
)

// Fetcher retrieves and parses a feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Feed, error)
}

// Sink delivers a notification to a subscriber.
type Sink interface {
	Send(ctx context.Context, subscriberID, text string) error
}

// Store is the part of the subscription store the scheduler needs.
type Store interface {
	Snapshot() model.Graph
	CommitWatermark(ctx context.Context, subscriberID, feedURL string, wm model.Watermark) (bool, error)
}

// Options tune the polling loop. Zero fields take their defaults.
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	FetchTimeout time.Duration
	SendTimeout  time.Duration
	Workers      int
	SendRate     float64 // messages per second, 0 means default, negative means unlimited
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 300 * time.Second
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SendRate == 0 {
		o.SendRate = 20
	}
	return o
}

// Report summarizes one sweep.
type Report struct {
	Feeds            int
	FetchFailures    int
	Delivered        int
	DeliveryFailures int
	Commits          int
	Duration         time.Duration
}

// Scheduler periodically checks every subscribed feed and sends notifications.
type Scheduler struct {
	store   Store
	fetcher Fetcher
	sink    Sink
	log     *slog.Logger
	opts    Options
}

// New creates a Scheduler.
func New(store Store, f Fetcher, sink Sink, log *slog.Logger, opts Options) *Scheduler {
	return &Scheduler{
		store:   store,
		fetcher: f,
		sink:    sink,
		log:     log,
		opts:    opts.withDefaults(),
	}
}

// Run waits for the initial delay, then sweeps every Interval until ctx is
// cancelled. The next sweep is only scheduled once the previous one returned.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.opts.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep failed to persist state", "kind", "persistence", "error", err)
		}
		timer.Reset(s.opts.Interval)
	}
}

type pair struct {
	subscriberID string
	sub          model.Subscription
}

// sweep holds the per-sweep shared state.
type sweep struct {
	log     *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	report Report
	errs   []error
}

func (sw *sweep) add(fn func(r *Report)) {
	sw.mu.Lock()
	fn(&sw.report)
	sw.mu.Unlock()
}

func (sw *sweep) fail(err error) {
	sw.mu.Lock()
	sw.errs = append(sw.errs, err)
	sw.mu.Unlock()
}

// Sweep runs a single polling pass over a snapshot of the subscriptions.
// Fetch and delivery failures are logged and counted; only failures to
// persist a watermark are returned.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	limit := rate.Limit(s.opts.SendRate)
	if s.opts.SendRate < 0 {
		limit = rate.Inf
	}
	sw := &sweep{
		log:     s.log.With("sweep_id", uuid.NewString()),
		limiter: rate.NewLimiter(limit, 1),
	}

	byFeed := groupByFeed(s.store.Snapshot())
	urls := make([]string, 0, len(byFeed))
	for url := range byFeed {
		urls = append(urls, url)
	}
	slices.Sort(urls)
	sw.report.Feeds = len(urls)
	sw.log.Debug("sweep started", "feeds", len(urls))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for _, url := range urls {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.processFeed(ctx, sw, url, byFeed[url])
			return nil
		})
	}
	_ = g.Wait()

	sw.report.Duration = time.Since(start)
	r := sw.report
	sw.log.Info("sweep finished",
		"feeds", r.Feeds,
		"fetch_failures", r.FetchFailures,
		"count", r.Delivered,
		"delivery_failures", r.DeliveryFailures,
		"commits", r.Commits,
		"duration", r.Duration,
	)
	return r, errors.Join(sw.errs...)
}

func (s *Scheduler) processFeed(ctx context.Context, sw *sweep, url string, pairs []pair) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	feed, err := s.fetcher.Fetch(fetchCtx, url)
	cancel()
	if err != nil {
		sw.log.Warn("fetch feed", "url", url, "subscribers", len(pairs), "error", err)
		sw.add(func(r *Report) { r.FetchFailures++ })
		return
	}

	for _, p := range pairs {
		s.processPair(ctx, sw, p, feed.Entries)
	}
}

// processPair delivers the new entries of one subscription and commits the
// resulting watermark once.
func (s *Scheduler) processPair(ctx context.Context, sw *sweep, p pair, entries []model.Entry) {
	fresh, updated := detector.DetectNew(entries, p.sub.Watermark)

	attempted := 0
	for _, e := range fresh {
		if ctx.Err() != nil || sw.limiter.Wait(ctx) != nil {
			break
		}
		attempted++
		if err := s.deliver(ctx, p, e); err != nil {
			sw.log.Warn("deliver entry", "chat_id", p.subscriberID, "url", p.sub.FeedURL, "link", e.Link, "error", err)
			sw.add(func(r *Report) { r.DeliveryFailures++ })
			continue
		}
		sw.add(func(r *Report) { r.Delivered++ })
	}

	if attempted < len(fresh) {
		if attempted == 0 {
			return
		}
		// Interrupted: point at the last attempted entry so the rest go out next time.
		updated = model.WatermarkOf(fresh[attempted-1])
	}
	if attempted > 0 {
		sw.log.Debug("delivered entries", "chat_id", p.subscriberID, "url", p.sub.FeedURL, "count", attempted)
	}

	changed, err := s.store.CommitWatermark(context.WithoutCancel(ctx), p.subscriberID, p.sub.FeedURL, updated)
	if err != nil {
		sw.log.Error("commit watermark", "chat_id", p.subscriberID, "url", p.sub.FeedURL, "error", err)
		sw.fail(err)
		return
	}
	if changed {
		sw.add(func(r *Report) { r.Commits++ })
	}
}

func (s *Scheduler) deliver(ctx context.Context, p pair, e model.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	return s.sink.Send(ctx, p.subscriberID, bot.FormatNotification(p.sub.DisplayTitle, e))
}

// groupByFeed inverts the graph so each distinct feed is fetched once. Pairs
// are ordered by subscriber id.
func groupByFeed(g model.Graph) map[string][]pair {
	out := make(map[string][]pair)
	for subscriberID, feeds := range g {
		for url, sub := range feeds {
			out[url] = append(out[url], pair{subscriberID: subscriberID, sub: sub})
		}
	}
	for _, pairs := range out {
		slices.SortFunc(pairs, func(a, b pair) int {
			return cmp.Compare(a.subscriberID, b.subscriberID)
		})
	}
	return out
}
