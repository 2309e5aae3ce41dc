package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/bluesky-readwise/internal/bluesky"
	"github.com/blackmichael/bluesky-readwise/internal/config"
	"github.com/blackmichael/bluesky-readwise/internal/domain"
	"github.com/blackmichael/bluesky-readwise/internal/httpserver"
	"github.com/blackmichael/bluesky-readwise/internal/oauth"
	"github.com/blackmichael/bluesky-readwise/internal/readwise"
	"github.com/blackmichael/bluesky-readwise/internal/store"
)

func main() {
	if err := run(); err != nil {
		if config.IsHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sealer, err := store.NewSealer(cfg.Database.EncryptionKey)
	if err != nil {
		return fmt.Errorf("create sealer: %w", err)
	}
	repo, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, sealer)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()
	logger.Info("connected to database", "driver", cfg.Database.Driver)

	pending, err := newPendingStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	exchanger := oauth.NewATProto(oauth.ClientConfig{
		PublicURL:    cfg.PublicURL,
		ResolverHost: cfg.Bluesky.AppViewHost,
	})
	login := oauth.NewService(exchanger, pending, logger.With("component", "oauth"))

	rw := readwise.NewClient(cfg.Readwise.BaseURL)
	appView := bluesky.NewClient(cfg.Bluesky.AppViewHost)
	processor := domain.NewProcessor(appView, rw, logger.With("component", "processor"))

	manager := domain.NewBookmarkManager(
		repo,
		&oauthSources{tokens: repo, refresher: login, logger: logger.With("component", "bookmarks")},
		processor,
		repo,
		repo,
		cfg.Intervals.Bookmarks,
		cfg.Intervals.ManagerRefresh,
		logger.With("component", "bookmarks"),
	)

	var dmBot *domain.DmBot
	if cfg.BotEnabled() {
		bot := bluesky.NewClient(cfg.Bluesky.PDSHost)
		if err := bot.Login(ctx, cfg.Bluesky.BotHandle, cfg.Bluesky.BotAppPassword); err != nil {
			return fmt.Errorf("bot login: %w", err)
		}
		logger.Info("bot logged in", "handle", cfg.Bluesky.BotHandle, "did", bot.DID())

		dmBot = domain.NewDmBot(bot, processor, rw, repo, repo, repo,
			cfg.PublicURL+"/dashboard", cfg.Intervals.Messages, logger.With("component", "dmbot"))
	} else {
		logger.Warn("bot credentials not set, direct messages are not handled")
	}

	server := httpserver.NewServer(cfg, login, repo, rw, logger.With("component", "http"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})

	g.Go(func() error {
		oauth.RunSweeper(gctx, pending, time.Minute, logger.With("component", "oauth"))
		return nil
	})

	g.Go(func() error {
		repo.StartCleanupJob(gctx, time.Hour, logger.With("component", "store"))
		return nil
	})

	if dmBot != nil {
		g.Go(func() error {
			dmBot.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down http server", "error", err)
		}
		return nil
	})

	logger.Info("server started", "addr", cfg.ListenAddr, "public_url", cfg.PublicURL)

	return g.Wait()
}

func newPendingStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (oauth.PendingStore, error) {
	if cfg.OAuth.StoreMode != "redis" {
		return oauth.NewMemoryStore(cfg.OAuth.PendingTTL, logger.With("component", "oauth")), nil
	}

	client, err := oauth.NewRedisClient(ctx, cfg.OAuth.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("using redis for pending logins")
	return oauth.NewRedisStore(client, "bluesky-readwise:", cfg.OAuth.PendingTTL), nil
}
