package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gopherline/internal/agentsvc"
	"github.com/user/gopherline/internal/bus"
	"github.com/user/gopherline/internal/config"
	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/httpapi"
	"github.com/user/gopherline/internal/preview"
	"github.com/user/gopherline/internal/scheduler"
	"github.com/user/gopherline/internal/state"
	"github.com/user/gopherline/internal/telegram"
	"github.com/user/gopherline/internal/timeline"
)

const (
	pidFileName     = "gopherline.pid"
	shutdownTimeout = 10 * time.Second
	journalBuffer   = 1024
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gopherline daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func newPreviewer(cfg *config.Config, sessions preview.SessionLookup, logger *slog.Logger) preview.SessionPreviewer {
	opts := preview.Options{
		MaxBriefLines:       cfg.Preview.MaxBriefLines,
		MaxFullContentSize:  cfg.Preview.MaxFullContentSize,
		GenerateFullContent: cfg.Preview.GenerateFullContent,
	}
	regOpts := []preview.RegistryOption{
		preview.WithLogger(logger.With("component", "preview")),
		preview.WithTimeout(cfg.Preview.Timeout.D()),
		preview.WithOptions(opts),
	}
	if cfg.Preview.TokenModel != "" {
		counter, err := preview.NewTokenCounter(cfg.Preview.TokenModel)
		if err != nil {
			logger.Warn("token estimates disabled", "model", cfg.Preview.TokenModel, "error", err)
		} else {
			regOpts = append(regOpts, preview.WithTokenCounter(counter))
		}
	}
	reg := preview.NewDefaultRegistry(regOpts...)
	return preview.SessionPreviewer{
		ExecutionPreviewer: preview.ExecutionPreviewer{Registry: reg, Options: reg.Options()},
		Sessions:           sessions,
	}
}

// journalKinds are the domain events worth journaling; timeline
// notifications are derived and never recorded.
var journalKinds = []events.Kind{
	events.KindProcessingStarted, events.KindProcessingCompleted, events.KindProcessingError,
	events.KindProcessingAborted, events.KindMessageCreated, events.KindMessageUpdated,
	events.KindToolExecutionStarted, events.KindToolExecutionUpdated,
	events.KindPermissionRequested, events.KindPermissionResolved, events.KindSessionReset,
}

// startJournal records every domain event the bus sees. The subscription
// handler only buffers; writes happen on the returned goroutine. Events the
// buffer cannot hold are logged as they are discarded.
func startJournal(ctx context.Context, b *bus.Bus, rec *state.Recorder, logger *slog.Logger) (stop func()) {
	sub := bus.NewChannelSubscriber(journalBuffer)
	sub.OnDrop(func(n bus.Notification) {
		logger.Warn("journal buffer full, event not recorded",
			"session_id", n.SessionID, "kind", n.Kind, "at", n.At, "dropped_total", sub.Dropped())
	})
	unsubscribe := b.Subscribe("", journalKinds, sub.Handle)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range sub.C() {
			if n.Event == nil {
				continue
			}
			if err := rec.Record(ctx, n.Event); err != nil {
				logger.Error("journal event failed", "session_id", n.SessionID, "kind", n.Kind, "error", err)
			}
		}
	}()
	return func() {
		unsubscribe()
		sub.Close()
		<-done
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	sessions := state.NewSessionStore(cfg.DataDir)
	items := state.NewItemStore(cfg.DataDir, cfg.Timeline.PageSize)
	journal := state.NewEventLog(cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(logger.With("component", "scheduler"))

	registry := agentsvc.New(sessions, agentsvc.RelayFactory, agentsvc.Options{
		ReapInterval: cfg.Registry.ReapInterval.D(),
		AbortTimeout: cfg.Registry.AbortTimeout.D(),
		Logger:       logger,
		Scheduler:    sched,
	})

	b := bus.New(registry, items, bus.Options{
		MaxConcurrent: int64(cfg.MaxConcurrent),
		LaneSize:      cfg.Timeline.LaneSize,
		Timeline: timeline.Options{
			DedupWindow: cfg.Timeline.DedupWindow.D(),
			TurnWindow:  cfg.Timeline.TurnWindow.D(),
			Previewer:   newPreviewer(cfg, sessions, logger),
		},
		Sink:   items,
		Logger: logger,
	})
	registry.SetSink(b.Sink())
	registry.OnServiceRemoved(b.CloseSession)
	b.TrackRemovals(sessions)

	b.Start(ctx)
	stopJournal := startJournal(ctx, b, state.NewRecorder(journal, sessions, logger), logger)

	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Shutdown runs in reverse: stop accepting events, drain the bus, then
	// let journal writes finish.
	defer func() {
		sched.Stop()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		registry.Stop(stopCtx)
		b.Stop()
		stopJournal()
	}()

	slog.Info("gopherline started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"listen", cfg.HTTP.Listen,
		"pid_file", pidPath,
	)

	// Telegram notifier
	if cfg.Telegram.Token != "" {
		notifier, err := telegram.New(cfg.Telegram.Token, sessions, telegram.Options{
			DefaultChatID: cfg.Telegram.ChatID,
			Commands:      true,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("create telegram notifier: %w", err)
		}
		detach := notifier.Attach(b)
		defer detach()
		go notifier.Run(ctx)
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram notifier disabled (no token)")
	}

	// HTTP API
	api := httpapi.NewServer(sessions, b, journal, httpapi.Options{
		AuthToken: cfg.HTTP.AuthToken,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http api started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		// Cancelling ctx first closes the WebSocket streams, which Shutdown
		// does not wait for.
		cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http api: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Clean up PID file before re-exec
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					// Re-write PID file since we failed to re-exec
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
					continue
				}
			}
			// SIGINT or SIGTERM
			slog.Info("shutting down", "signal", sig)
			return nil
		}
	}
}
