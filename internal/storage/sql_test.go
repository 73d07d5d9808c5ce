package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rss_notify/internal/model"
)

func newTestDB(t *testing.T) *SQL {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLSaveLoad(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	want := model.Graph{
		"42": {
			"https://a.example.com/rss": {
				FeedURL:      "https://a.example.com/rss",
				DisplayTitle: "Alpha",
				Watermark:    model.Watermark{LastLink: "https://a.example.com/p/1", LastTitle: "One"},
				AddedAt:      time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
			},
			"https://b.example.com/rss": {
				FeedURL:      "https://b.example.com/rss",
				DisplayTitle: "Beta",
				AddedAt:      time.Date(2025, 2, 2, 8, 0, 0, 0, time.UTC),
				Extra:        map[string]json.RawMessage{"mute_until": json.RawMessage(`"2030-01-01"`)},
			},
		},
		"-100200": {
			"https://a.example.com/rss": {
				FeedURL:      "https://a.example.com/rss",
				DisplayTitle: "Alpha",
				AddedAt:      time.Date(2025, 2, 3, 8, 0, 0, 0, time.UTC),
			},
		},
	}
	if err := db.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLSaveReplacesAll(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first := model.Graph{
		"42": {
			"https://a.example.com/rss": {FeedURL: "https://a.example.com/rss", DisplayTitle: "Alpha"},
			"https://b.example.com/rss": {FeedURL: "https://b.example.com/rss", DisplayTitle: "Beta"},
		},
	}
	if err := db.Save(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := model.Graph{
		"42": {
			"https://b.example.com/rss": {
				FeedURL:      "https://b.example.com/rss",
				DisplayTitle: "Beta",
				Watermark:    model.Watermark{LastLink: "https://b.example.com/p/9", LastTitle: "Nine"},
			},
		},
	}
	if err := db.Save(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLLoadEmpty(t *testing.T) {
	got, err := newTestDB(t).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(model.Graph{}, got); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLLoadRejectsBadAddedAt(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.db.ExecContext(ctx,
		`INSERT INTO subscriptions (subscriber_id, feed_url, display_title, added_at) VALUES (?, ?, ?, ?)`,
		"42", "https://a.example.com/rss", "Alpha", "yesterday")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := db.Load(ctx); err == nil {
		t.Fatal("expected load to fail on an unparseable added_at")
	}
}

func TestSQLSaveWatermark(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	added := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	g := model.Graph{
		"42": {
			"https://a.example.com/rss": {FeedURL: "https://a.example.com/rss", DisplayTitle: "Alpha", AddedAt: added},
			"https://b.example.com/rss": {FeedURL: "https://b.example.com/rss", DisplayTitle: "Beta", AddedAt: added},
		},
	}
	if err := db.Save(ctx, g); err != nil {
		t.Fatalf("save: %v", err)
	}

	wm := model.Watermark{LastLink: "https://a.example.com/p/2", LastTitle: "Two"}
	if err := db.SaveWatermark(ctx, "42", "https://a.example.com/rss", wm); err != nil {
		t.Fatalf("save watermark: %v", err)
	}

	want := g.Clone()
	a := want["42"]["https://a.example.com/rss"]
	a.Watermark = wm
	want["42"]["https://a.example.com/rss"] = a

	got, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}

	if err := db.SaveWatermark(ctx, "42", "https://missing.example.com/rss", wm); err == nil {
		t.Error("expected error for a subscription that is not stored")
	}
}

func TestStoreOverSQL(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := newTestStore(t, db)

	if err := s.Add(ctx, "42", sub("https://a.example.com/rss")); err != nil {
		t.Fatalf("add: %v", err)
	}
	wm := model.Watermark{LastLink: "https://a.example.com/p/1", LastTitle: "One"}
	if _, err := s.CommitWatermark(ctx, "42", "https://a.example.com/rss", wm); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened := newTestStore(t, db)
	got := reopened.List("42")
	if len(got) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(got))
	}
	if diff := cmp.Diff(wm, got[0].Watermark); diff != "" {
		t.Errorf("watermark mismatch (-want +got):\n%s", diff)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQL{dialect: "postgres"}
	if diff := cmp.Diff("VALUES ($1, $2, $3)", pg.rebind("VALUES (?, ?, ?)")); diff != "" {
		t.Errorf("postgres rebind mismatch (-want +got):\n%s", diff)
	}
	lite := &SQL{dialect: "sqlite3"}
	if diff := cmp.Diff("VALUES (?, ?)", lite.rebind("VALUES (?, ?)")); diff != "" {
		t.Errorf("sqlite rebind mismatch (-want +got):\n%s", diff)
	}
}
