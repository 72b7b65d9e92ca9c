package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"vibedeck/internal/api"
	"vibedeck/internal/command"
	"vibedeck/internal/event"
	"vibedeck/internal/gitws"
	"vibedeck/internal/logging"
	"vibedeck/internal/metrics"
	"vibedeck/internal/ports"
	"vibedeck/internal/preview"
	"vibedeck/internal/process"
	"vibedeck/internal/reconcile"
	"vibedeck/internal/runner/docker"
	"vibedeck/internal/runner/screen"
	"vibedeck/internal/runner/tmux"
	"vibedeck/internal/store"
	"vibedeck/internal/terminal"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLogger(logBuffer, logging.Level(cfg.LogLevel))
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("vibedeck exited", map[string]string{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}

	registry := metrics.Default
	allocator := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)
	registry.RegisterGauge("vibedeck_ports_leased", func() int64 {
		return int64(allocator.Stats().Leased)
	})

	terminalBus := event.NewBus[event.TerminalEvent](ctx, event.BusOptions{
		Name:     "terminal",
		Registry: registry,
	})
	previewBus := event.NewBus[event.PreviewEvent](ctx, event.BusOptions{
		Name:     "preview",
		Registry: registry,
	})

	// Remote command transport is configured but the remote terminal
	// backends stay disabled; only metadata probes ride over SSH.
	var runner command.Runner = command.NewLocal()
	if cfg.RemoteHost != "" {
		runner = command.NewSSH(command.SSHTarget{
			Host: cfg.RemoteHost,
			User: cfg.RemoteUser,
			Port: cfg.RemotePort,
		}, nil)
		logger.Info("remote command transport enabled", map[string]string{
			"host": cfg.RemoteHost,
		})
	}

	tmuxClient := tmux.NewClient(runner)
	screenClient := screen.NewClient(runner)
	dockerClient := docker.NewClient(runner)
	gitClient := gitws.NewClient(command.NewLocal())
	processes := process.NewRegistry()

	manager := terminal.NewManager(terminal.ManagerOptions{
		Shell:           cfg.Shell,
		Tmux:            terminal.NewTmuxMux(tmuxClient),
		Screen:          terminal.NewScreenMux(screenClient),
		Docker:          dockerClient,
		DockerImage:     cfg.DockerImage,
		MuxPrefix:       cfg.MuxPrefix,
		Store:           db,
		Logger:          logger,
		Bus:             terminalBus,
		Registry:        registry,
		BufferLines:     cfg.BufferLines,
		CleanupInterval: cfg.CleanupInterval,
	})

	previews := preview.NewService(preview.Options{
		Git:           gitClient,
		Allocator:     allocator,
		Store:         db,
		Logger:        logger,
		Bus:           previewBus,
		Registry:      registry,
		Processes:     processes,
		WorkspaceRoot: cfg.WorkspaceRoot,
		TTL:           cfg.PreviewTTL,
	})

	reconciler := reconcile.New(reconcile.Options{
		Store:     db,
		Docker:    dockerClient,
		Tmux:      tmuxClient,
		Screen:    screenClient,
		Allocator: allocator,
		Previews:  previews,
		Logger:    logger,
	})
	summary, err := reconciler.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("reconciliation complete", map[string]string{
		"sessions_alive":   strconv.Itoa(summary.SessionsAlive),
		"sessions_stopped": strconv.Itoa(summary.SessionsStopped),
		"previews_adopted": strconv.Itoa(summary.PreviewsAdopted),
		"previews_stopped": strconv.Itoa(summary.PreviewsStopped),
	})

	manager.StartCleanup(ctx)
	previews.StartSweep(ctx)

	apiServer := &api.Server{
		Manager:        manager,
		Previews:       previews,
		Allocator:      allocator,
		Registry:       registry,
		Logger:         logger,
		TerminalBus:    terminalBus,
		PreviewBus:     previewBus,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ListenPort),
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	coordinator := newShutdownCoordinator(logger)
	coordinator.Add("http server", httpServer.Shutdown)
	coordinator.Add("terminal sessions", manager.Shutdown)
	coordinator.Add("preview deployments", func(ctx context.Context) error {
		previews.Shutdown(ctx)
		return nil
	})
	coordinator.Add("child processes", processes.StopAll)
	coordinator.Add("database", func(context.Context) error {
		return db.Close()
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("vibedeck listening", map[string]string{"addr": httpServer.Addr})
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return coordinator.Run(shutdownCtx)
}
