package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver registration.
	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"rss_notify/internal/model"
	"rss_notify/migrations"
)

const timeLayout = time.RFC3339Nano

// SQL implements Backend on top of a SQLite or Postgres database.
type SQL struct {
	db      *sql.DB
	dialect string
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQL, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from being split across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if err := migrations.Run(context.Background(), db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQL{db: db, dialect: migrations.DialectSQLite}, nil
}

// NewPostgres connects to the Postgres database at dsn, retrying while the
// server is not yet reachable, and runs pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Run(ctx, db, migrations.DialectPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	return &SQL{db: db, dialect: migrations.DialectPostgres}, nil
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Load reads every subscription row.
func (s *SQL) Load(ctx context.Context) (model.Graph, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id, feed_url, display_title, last_link, last_title, added_at, extra
		 FROM subscriptions ORDER BY subscriber_id, added_at, feed_url`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	g := model.Graph{}
	for rows.Next() {
		subscriberID, sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if g[subscriberID] == nil {
			g[subscriberID] = make(map[string]model.Subscription)
		}
		g[subscriberID][sub.FeedURL] = sub
	}
	return g, rows.Err()
}

// Save replaces all rows with the contents of g inside one transaction.
func (s *SQL) Save(ctx context.Context, g model.Graph) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreDone(tx.Rollback()))
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO subscriptions (subscriber_id, feed_url, display_title, last_link, last_title, added_at, extra)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for subscriberID, feeds := range g {
		for url, sub := range feeds {
			extra, err := encodeExtra(sub.Extra)
			if err != nil {
				return fmt.Errorf("encode extra fields of %s: %w", url, err)
			}
			if _, err := stmt.ExecContext(ctx,
				subscriberID, url, sub.DisplayTitle,
				nullString(sub.Watermark.LastLink), nullString(sub.Watermark.LastTitle),
				sub.AddedAt.UTC().Format(timeLayout), extra,
			); err != nil {
				return fmt.Errorf("insert subscription %s: %w", url, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveWatermark updates the watermark columns of a single row.
func (s *SQL) SaveWatermark(ctx context.Context, subscriberID, feedURL string, wm model.Watermark) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE subscriptions SET last_link = ?, last_title = ? WHERE subscriber_id = ? AND feed_url = ?`,
	), nullString(wm.LastLink), nullString(wm.LastTitle), subscriberID, feedURL)
	if err != nil {
		return fmt.Errorf("update watermark of %s: %w", feedURL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update watermark of %s: %w", feedURL, err)
	}
	if n == 0 {
		return fmt.Errorf("update watermark of %s: no stored subscription for %s", feedURL, subscriberID)
	}
	return nil
}

// rebind rewrites ? placeholders into the $N form Postgres expects.
func (s *SQL) rebind(query string) string {
	if s.dialect != migrations.DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (string, model.Subscription, error) {
	var (
		subscriberID, added        string
		sub                        model.Subscription
		lastLink, lastTitle, extra sql.NullString
	)
	err := row.Scan(&subscriberID, &sub.FeedURL, &sub.DisplayTitle, &lastLink, &lastTitle, &added, &extra)
	if err != nil {
		return "", sub, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Watermark = model.Watermark{LastLink: lastLink.String, LastTitle: lastTitle.String}
	if added != "" {
		if sub.AddedAt, err = time.Parse(timeLayout, added); err != nil {
			return "", sub, fmt.Errorf("parse added_at of %s: %w", sub.FeedURL, err)
		}
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &sub.Extra); err != nil {
			return "", sub, fmt.Errorf("decode extra fields of %s: %w", sub.FeedURL, err)
		}
	}
	return subscriberID, sub, nil
}

func encodeExtra(extra map[string]json.RawMessage) (sql.NullString, error) {
	if len(extra) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func ignoreDone(err error) error {
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
