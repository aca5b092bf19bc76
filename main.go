package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"Krypt/internal/core"
	"Krypt/internal/crypto"
	"Krypt/internal/logging"
	"Krypt/internal/media"
	"Krypt/internal/metrics"
	"Krypt/internal/notify"
	"Krypt/internal/storage"
	"Krypt/internal/transport"
	"Krypt/internal/ui"
	"Krypt/pkg/config"
	"Krypt/pkg/interfaces"
)

func main() {
	fs := flag.CommandLine
	configPath := fs.String("config", "", "path to the YAML or TOML config file")
	registerOverrides(fs)
	video := fs.Bool("video", false, "offer video on outgoing calls")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	overlayFlags(cfg, fs)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, *video, logger)
	stop()
	_ = closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, video bool, logger *zap.Logger) error {
	repo, err := openRepository(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer repo.Close()

	cp := crypto.NewProvider()
	self, err := core.EnsureIdentity(ctx, repo, cp)
	if err != nil {
		return err
	}

	engines, err := media.NewFactory(media.Config{
		ICEServers:           cfg.Call.ICEServers,
		Video:                video,
		MaxPendingCandidates: cfg.Call.MaxEarlyCandidates,
	}, logger)
	if err != nil {
		return err
	}

	relay := transport.NewClient(cfg.Relay, logger)
	service := core.NewService(cfg, core.Deps{
		Identity: self,
		Repo:     repo,
		Crypto:   cp,
		Relay:    relay,
		Media:    engines,
		Notifier: notify.New(cfg.Notify, logger),
		Logger:   logger,
	})
	chat := ui.NewTUIChat(service, os.Stdin, os.Stdout)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := relay.Run(ctx, self.UUID, self.PublicKey); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return service.Run(ctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Listen, logger) })
	}
	g.Go(func() error {
		if err := chat.Run(ctx); err != nil {
			return err
		}
		// leaving the chat ends the session
		return errQuit
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

var errQuit = errors.New("quit")

func registerOverrides(fs *flag.FlagSet) {
	fs.String("relay", "", "relay websocket URL")
	fs.String("db", "", "SQLite database path, empty for an in-memory session")
	fs.String("log-level", "", "log level: debug, info, warn, error, silent")
	fs.String("metrics", "", "serve prometheus metrics on this address")
}

// overlayFlags copies the explicitly set flags onto cfg, so -db "" selects
// the in-memory store while an absent -db keeps the configured path.
func overlayFlags(cfg *config.Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "relay":
			cfg.Relay.URL = v
		case "db":
			cfg.Storage.Path = v
		case "log-level":
			cfg.Log.Level = v
		case "metrics":
			cfg.Metrics.Enabled = v != ""
			cfg.Metrics.Listen = v
		}
	})
}

func openRepository(ctx context.Context, path string) (interfaces.Repository, error) {
	if path == "" {
		return storage.NewMemory(), nil
	}
	repo, err := storage.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
