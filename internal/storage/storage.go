// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"rss_notify/internal/model"
)

// Backend durably stores the whole subscription graph.
type Backend interface {
	Load(ctx context.Context) (model.Graph, error)
	Save(ctx context.Context, g model.Graph) error
	Close() error
}

// WatermarkWriter is implemented by backends that can persist one watermark
// without rewriting the whole graph. The Store prefers it for commits.
type WatermarkWriter interface {
	SaveWatermark(ctx context.Context, subscriberID, feedURL string, wm model.Watermark) error
}

var (
	// ErrAlreadySubscribed is returned when adding a feed the subscriber already watches.
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrNotFound is returned when a referenced subscription does not exist.
	ErrNotFound = errors.New("subscription not found")
)

// ValidationError reports a malformed request. Nothing was changed.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// PersistenceError reports a failed durable write. The in-memory state was
// left as it was before the operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist subscriptions (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Key returns a short stable identifier for a feed URL, small enough for
// Telegram callback data.
func Key(feedURL string) string {
	h := sha256.Sum256([]byte(feedURL))
	return fmt.Sprintf("%x", h[:6])
}
