package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"rss_notify/internal/bot"
	"rss_notify/internal/config"
	"rss_notify/internal/fetcher"
	"rss_notify/internal/logging"
	"rss_notify/internal/scheduler"
	"rss_notify/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		slog.Error("create logger", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("bot stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, backend, log)
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close store", "error", err)
		}
	}()

	st := store.Stats()
	log.Info("subscriptions loaded",
		"driver", cfg.StoreDriver,
		"subscribers", st.Subscribers,
		"subscriptions", st.Subscriptions,
		"feeds", st.Feeds,
	)

	f := fetcher.New(http.DefaultClient)
	f.SetTimeout(cfg.FetchTimeout)

	b, err := bot.New(cfg.TelegramBotToken, store, f, cfg, log)
	if err != nil {
		return err
	}

	sched := scheduler.New(store, f, b, log, scheduler.Options{
		Interval:     cfg.PollInterval,
		InitialDelay: cfg.InitialDelay,
		FetchTimeout: cfg.FetchTimeout,
		SendTimeout:  cfg.SendTimeout,
		Workers:      cfg.FetchWorkers,
		SendRate:     cfg.SendRate,
	})

	log.Info("starting bot", "poll_interval", cfg.PollInterval, "workers", cfg.FetchWorkers)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	b.Run(ctx)
	wg.Wait()

	log.Info("bot stopped")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		if err := ensureDir(cfg.DatabasePath); err != nil {
			return nil, err
		}
		db, err := storage.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
		}
		return db, nil
	case config.DriverPostgres:
		db, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	default:
		if err := ensureDir(cfg.StatePath); err != nil {
			return nil, err
		}
		return storage.NewFile(cfg.StatePath, log), nil
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return nil
}
