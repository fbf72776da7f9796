package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/cache"
	"github.com/dgnsrekt/audiovault/internal/config"
	"github.com/dgnsrekt/audiovault/internal/gateway"
	"github.com/dgnsrekt/audiovault/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: paragraph(fmt.Sprintf("\nRun the streaming, device and synthesis API. Synthesis routes are %s when an engine is configured.",
		keyword("enabled only"))),
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().Bool("migrate", true, "apply ledger migrations on startup")
	serveCmd.Flags().Bool("no-synthesis", false, "serve streams and devices only")
	bindFlag(serveCmd, "addr", "server.addr")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, sessions, err := openAccess(cfg)
	if err != nil {
		return err
	}

	migrate, _ := cmd.Flags().GetBool("migrate")
	led, err := openLedger(ctx, cfg, migrate)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer led.Close() //nolint:errcheck

	objects, err := openObjects(cfg)
	if err != nil {
		return err
	}
	assets, err := openAssets(cfg, objects)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Tokens:   tokens,
		Sessions: sessions,
		Ledger:   led,
		Gateway:  gateway.New(tokens, assets, component("gateway")),
		Assets:   assets,
	}

	noSynth, _ := cmd.Flags().GetBool("no-synthesis")
	if !noSynth {
		mgr, closeCache, err := openCache(ctx, cfg, logger, objects)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		defer closeCache() //nolint:errcheck
		deps.Synth = mgr

		if err := os.MkdirAll(cfg.Server.PreviewDir, 0o755); err != nil {
			return err
		}
		sweeper := cache.NewPreviewSweeper(cache.SweeperConfig{
			Dir:      cfg.Server.PreviewDir,
			TTL:      cfg.Cache.PreviewTTL,
			Interval: cfg.Cache.SweepInterval,
		}, component("sweeper"))
		sweeper.Start()
		defer sweeper.Stop()
	}

	srv, err := server.New(cfg.Server, deps, component("http"))
	if err != nil {
		return err
	}

	loader.Watch(func(c config.Config, err error) {
		if err != nil {
			logger.Warn("config reload rejected", "err", err)
			return
		}
		if level, err := log.ParseLevel(c.LogLevel); err == nil && level != logger.GetLevel() {
			setLevel(level)
			logger.Info("log level updated", "level", level)
		}
		srv.SetRateLimit(c.Server.RequestsPerSecond, c.Server.Burst)
	})

	return srv.ListenAndServe(ctx)
}
