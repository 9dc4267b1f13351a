package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calebgw/chirp/internal/auth"
	"github.com/calebgw/chirp/internal/config"
	"github.com/calebgw/chirp/internal/dispatch"
	"github.com/calebgw/chirp/internal/logging"
	"github.com/calebgw/chirp/internal/metrics"
	"github.com/calebgw/chirp/internal/msgcache"
	"github.com/calebgw/chirp/internal/ratelimit"
	"github.com/calebgw/chirp/internal/registry"
	"github.com/calebgw/chirp/internal/session"
	"github.com/calebgw/chirp/internal/settings"
	"github.com/calebgw/chirp/internal/wa"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if flagVerbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := settings.Open(cfg.SettingsPath())
	if err != nil {
		return err
	}
	defer store.Close()

	cache, err := msgcache.Open(cfg.CachePath(), logger.Named("cache"), msgcache.Options{
		Retention:     cfg.CacheRetention,
		FlushDelay:    cfg.CacheFlushDelay,
		PruneInterval: cfg.CachePrune,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("final cache flush failed", zap.Error(err))
		}
	}()

	reg := registry.New(logger.Named("registry"))
	if err := os.MkdirAll(cfg.PluginsDir, 0o750); err != nil {
		return fmt.Errorf("create plugins dir: %w", err)
	}
	if err := reg.Load(cfg.PluginsDir); err != nil {
		return err
	}
	watcher := registry.NewWatcher(reg, cfg.PluginsDir, cfg.ReloadDebounce, logger.Named("watcher"))
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("plugin watcher stopped", zap.Error(err))
		}
	}()

	window := metrics.NewWindow(0)
	limits := ratelimit.New(ratelimit.Config{
		Burst:  cfg.RateLimitBurst,
		Window: cfg.RateLimitWindow,
	})
	go limits.Janitor(ctx, 5*time.Minute, 10*cfg.RateLimitWindow)

	disp := dispatch.New(dispatch.Config{
		Prefix:         cfg.Prefix,
		OwnerJID:       cfg.OwnerJID,
		Staleness:      cfg.Staleness,
		DedupTTL:       cfg.DedupTTL,
		StatusAutoView: cfg.StatusAutoView,
		StatusReact:    cfg.StatusReact,
	}, reg, cache, store, limits, window, logger.Named("dispatch"))

	authStore, err := auth.NewStore(cfg.AuthDir(), logger.Named("auth"))
	if err != nil {
		return err
	}

	factory := wa.Factory(authStore.SessionPath(), logging.NewWALogger(logger, "WA"))
	mgr := session.New(session.Config{
		ReconnectBase: cfg.ReconnectBase,
		ReconnectCap:  cfg.ReconnectCap,
		Footer:        cfg.Footer,
		Credential:    cfg.CredentialString(),
		JoinTargets:   cfg.AutoJoinGroups,
		FollowTargets: cfg.FollowChannels,
	}, session.ClientFactory(factory), authStore, disp.HandleEvent, session.NewInitOnce(), logger.Named("session"))

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	logger.Info("daemon started",
		zap.String("prefix", cfg.Prefix),
		zap.String("plugins", cfg.PluginsDir))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-mgr.Done():
		logger.Warn("session terminated")
	}
	mgr.Stop()
	return nil
}
