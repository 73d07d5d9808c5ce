package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"rss_notify/internal/model"
)

const corruptTimeLayout = "20060102T150405Z"

// File implements Backend as a single JSON document on disk.
type File struct {
	path string
	log  *slog.Logger
	now  func() time.Time

	// beforeReplace runs after the new content is written and synced but
	// before it replaces the old file.
	beforeReplace func() error
}

// NewFile returns a Backend storing the graph at path.
func NewFile(path string, log *slog.Logger) *File {
	return &File{path: path, log: log, now: time.Now}
}

// Load reads the state file. A missing, empty or unparseable file yields an
// empty graph; an unparseable file is first moved aside so it is not
// overwritten by the next save. If it cannot be moved, Load fails.
func (f *File) Load(_ context.Context) (model.Graph, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.log.Warn("state file not found, starting empty", "path", f.path)
		return model.Graph{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return model.Graph{}, nil
	}

	var g model.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		aside := f.path + ".corrupt-" + f.now().UTC().Format(corruptTimeLayout)
		if rerr := os.Rename(f.path, aside); rerr != nil {
			return nil, fmt.Errorf("move unparseable state file %s aside: %w", f.path, rerr)
		}
		f.log.Error("unparseable state file, starting empty", "path", f.path, "moved_to", aside, "error", err)
		return model.Graph{}, nil
	}
	if g == nil {
		g = model.Graph{}
	}
	f.log.Info("loaded state file", "path", f.path, "subscribers", len(g))
	return g, nil
}

// Save atomically replaces the state file: the graph is written and synced to
// a temporary file in the same directory which is then renamed over the
// target. A crash at any point leaves either the old or the new file.
func (f *File) Save(_ context.Context, g model.Graph) error {
	if g == nil {
		g = model.Graph{}
	}
	data, err := json.MarshalIndent(g, "", "    ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	pf, err := renameio.NewPendingFile(f.path,
		renameio.WithTempDir(filepath.Dir(f.path)),
		renameio.WithPermissions(0o600),
	)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if f.beforeReplace != nil {
		if err := f.beforeReplace(); err != nil {
			return err
		}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Close is a no-op; the file is only open during Save.
func (f *File) Close() error { return nil }
