package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hqlink/internal/bus"
	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/feed"
	"github.com/nextlevelbuilder/hqlink/internal/send"
	"github.com/nextlevelbuilder/hqlink/internal/telemetry"
	"github.com/nextlevelbuilder/hqlink/internal/transport"
	"github.com/nextlevelbuilder/hqlink/internal/transport/registry"
	"github.com/nextlevelbuilder/hqlink/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the long-lived engine: transport watch, auto-ack, and the event feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}

			eng, err := buildEngine()
			if err != nil {
				return err
			}
			snap := eng.cfg.Snapshot()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Init(ctx, snap.Telemetry, Version)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			tr, err := registry.New(eng.cfg)
			if err != nil {
				return err
			}
			receiver := send.NewReceiver(eng.cfg, tr, eng.inbox, eng.threads, eng.bus)

			if sweeper, ok := tr.(interface{ StartCacheSweeper(context.Context) }); ok {
				sweeper.StartCacheSweeper(ctx)
			}

			// Inbound watch loop.
			go func() {
				err := tr.Watch(ctx, func(in transport.Inbound) {
					receiver.HandleInbound(ctx, in)
				})
				if err != nil && ctx.Err() == nil {
					slog.Error("transport watch terminated", "error", err)
				}
			}()

			// Config hot reload.
			go func() {
				err := config.Watch(ctx, config.ResolvePath(cfgFile), eng.cfg, func() {
					eng.bus.Publish(bus.Event{Name: protocol.EventConfigReloaded})
				})
				if err != nil && ctx.Err() == nil {
					slog.Warn("config watcher stopped", "error", err)
				}
			}()

			slog.Info("engine running",
				"owner", snap.Identity.Owner,
				"instance", snap.Identity.InstanceID,
				"transport", tr.Name())

			feedSrv := feed.NewServer(eng.bus)
			if err := feedSrv.Start(ctx, snap.Feed.Host, snap.Feed.Port); err != nil && ctx.Err() == nil {
				return err
			}
			slog.Info("engine stopped")
			return nil
		},
	}
}
