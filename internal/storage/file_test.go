package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rss_notify/internal/model"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	f := NewFile(filepath.Join(t.TempDir(), "feeds.json"), discardLogger())
	f.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func writeState(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}
}

func TestFileLoadMissing(t *testing.T) {
	f := newTestFile(t)
	g, err := f.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(model.Graph{}, g); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestFileLoadBlank(t *testing.T) {
	f := newTestFile(t)
	writeState(t, f.path, "  \n")
	g, err := f.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(model.Graph{}, g); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestFileLoadCorruptIsMovedAside(t *testing.T) {
	f := newTestFile(t)
	writeState(t, f.path, `{"42": {"https://a.example.com": `)

	g, err := f.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(g) != 0 {
		t.Errorf("expected empty graph, got %v", g)
	}

	if _, err := os.Stat(f.path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected corrupt file to be moved away, stat err = %v", err)
	}
	aside := f.path + ".corrupt-20250301T120000Z"
	data, err := os.ReadFile(aside) //nolint:gosec // test-only path
	if err != nil {
		t.Fatalf("read quarantined file: %v", err)
	}
	if !strings.HasPrefix(string(data), `{"42"`) {
		t.Errorf("quarantined content mismatch: %q", data)
	}
}

func TestFileLoadCorruptThatCannotBeMovedFails(t *testing.T) {
	f := newTestFile(t)
	corrupt := `{"42": {"https://a.example.com": `
	writeState(t, f.path, corrupt)

	// A non-empty directory at the quarantine path makes the rename fail.
	aside := f.path + ".corrupt-20250301T120000Z"
	if err := os.MkdirAll(filepath.Join(aside, "occupied"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := f.Load(context.Background()); err == nil {
		t.Fatal("expected load to fail when the corrupt file cannot be moved aside")
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if diff := cmp.Diff(corrupt, string(data)); diff != "" {
		t.Errorf("state file must be left untouched (-want +got):\n%s", diff)
	}
}

func TestFileLoadLegacyState(t *testing.T) {
	f := newTestFile(t)
	writeState(t, f.path, `{
    "42": {
        "https://a.example.com/rss": {
            "title": "Alpha",
            "last_post_link": "https://a.example.com/p/1",
            "last_post_title": "One"
        },
        "https://b.example.com/rss": {
            "title": "Beta",
            "last_post_link": null,
            "last_post_title": null
        }
    },
    "77": {}
}`)

	g, err := f.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := model.Graph{
		"42": {
			"https://a.example.com/rss": {
				FeedURL:      "https://a.example.com/rss",
				DisplayTitle: "Alpha",
				Watermark:    model.Watermark{LastLink: "https://a.example.com/p/1", LastTitle: "One"},
			},
			"https://b.example.com/rss": {
				FeedURL:      "https://b.example.com/rss",
				DisplayTitle: "Beta",
			},
		},
		"77": {},
	}
	if diff := cmp.Diff(want, g); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestFileRoundTripKeepsUnknownFields(t *testing.T) {
	ctx := context.Background()
	f := newTestFile(t)
	writeState(t, f.path, `{"42": {"https://a.example.com/rss": {
        "title": "Alpha",
        "last_post_link": null,
        "last_post_title": null,
        "mute_until": "2030-01-01"
    }}}`)

	g, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := f.Save(ctx, g); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode saved file: %v", err)
	}
	if diff := cmp.Diff(`"2030-01-01"`, string(raw["42"]["https://a.example.com/rss"]["mute_until"])); diff != "" {
		t.Errorf("unknown field mismatch (-want +got):\n%s", diff)
	}
}

func TestFileSaveLoad(t *testing.T) {
	ctx := context.Background()
	f := newTestFile(t)
	want := model.Graph{
		"42": {
			"https://a.example.com/rss": {
				FeedURL:      "https://a.example.com/rss",
				DisplayTitle: "Alpha",
				Watermark:    model.Watermark{LastLink: "https://a.example.com/p/2", LastTitle: "Two"},
				AddedAt:      time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
			},
		},
	}
	if err := f.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if diff := cmp.Diff(os.FileMode(0o600), info.Mode().Perm()); diff != "" {
		t.Errorf("permissions mismatch (-want +got):\n%s", diff)
	}

	got, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestFileInterruptedSaveKeepsOldContent(t *testing.T) {
	ctx := context.Background()
	f := newTestFile(t)
	old := model.Graph{"42": {"https://a.example.com/rss": {FeedURL: "https://a.example.com/rss", DisplayTitle: "Old"}}}
	if err := f.Save(ctx, old); err != nil {
		t.Fatalf("save: %v", err)
	}

	crash := errors.New("process killed")
	f.beforeReplace = func() error { return crash }
	next := model.Graph{"42": {"https://a.example.com/rss": {FeedURL: "https://a.example.com/rss", DisplayTitle: "New"}}}
	if err := f.Save(ctx, next); !errors.Is(err, crash) {
		t.Fatalf("expected interrupted save to fail, got %v", err)
	}
	f.beforeReplace = nil

	got, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(old, got); diff != "" {
		t.Errorf("graph after interrupted save mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(f.path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{"feeds.json"}, names); diff != "" {
		t.Errorf("leftover files (-want +got):\n%s", diff)
	}
}

func TestFileLoadIgnoresStrayTempFile(t *testing.T) {
	ctx := context.Background()
	f := newTestFile(t)
	writeState(t, f.path, `{"42": {}}`)
	writeState(t, filepath.Join(filepath.Dir(f.path), ".feeds.json123456"), `{"42": {"https://half`)

	g, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(model.Graph{"42": {}}, g); diff != "" {
		t.Errorf("graph mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreOverFile(t *testing.T) {
	ctx := context.Background()
	f := newTestFile(t)
	s := newTestStore(t, f)
	if err := s.Add(ctx, "42", sub("https://a.example.com/rss")); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened := newTestStore(t, NewFile(f.path, discardLogger()))
	if !reopened.Contains("42", "https://a.example.com/rss") {
		t.Error("expected subscription to survive a reopen")
	}
}
