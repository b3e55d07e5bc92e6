package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shiftwatt/shiftwatt/pkg/autopilot"
	"github.com/shiftwatt/shiftwatt/pkg/carbon"
	"github.com/shiftwatt/shiftwatt/pkg/device"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/notify"
	"github.com/shiftwatt/shiftwatt/pkg/schedule"
	"github.com/shiftwatt/shiftwatt/pkg/server"
	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/tariff"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	db := storage.Configured()
	catalog := tariff.Configured(db)
	carbonRes := carbon.Configured(db)
	adapter := device.Configured(db)
	notifier := notify.Configured()
	manager := schedule.Configured(db, adapter, notifier)
	engine := autopilot.Configured(db, adapter, catalog, carbonRes, notifier, manager)
	// a user-created schedule counts as a manual override so autopilot yields
	manager.SetOverrideRecorder(engine)

	// init server
	srv := server.Configured(db, catalog, carbonRes, adapter, manager, engine)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// re-arm active schedule triggers lost on restart before serving traffic
	if err := manager.Rearm(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to re-arm schedules", "error", err)
		os.Exit(1)
	}
	defer manager.Stop()

	// autopilot ticks in the background for the life of the process
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).ErrorContext(ctx, "autopilot exited", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
