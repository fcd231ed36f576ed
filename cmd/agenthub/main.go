package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p-arndt/agenthub/internal/api"
	"github.com/p-arndt/agenthub/internal/config"
	"github.com/p-arndt/agenthub/internal/docker"
	"github.com/p-arndt/agenthub/internal/events"
	"github.com/p-arndt/agenthub/internal/launch"
	"github.com/p-arndt/agenthub/internal/logging"
	"github.com/p-arndt/agenthub/internal/reaper"
	"github.com/p-arndt/agenthub/internal/session"
	"github.com/p-arndt/agenthub/internal/snapshot"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/supervisor"
	"github.com/p-arndt/agenthub/internal/terminal"
	"github.com/p-arndt/agenthub/internal/workspace"
)

func main() {
	cfgPath := flag.String("config", "", "path to agenthub.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenthub: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("agenthub exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := launch.ResolveIdentity(cfg.Identity, launch.OSHost{})
	if err != nil {
		return err
	}
	logger.Info("runtime identity", "user", identity.Username, "uid", identity.UID, "gid", identity.GID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dc, err := docker.New()
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer dc.Close()

	if err := dc.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed, is Docker running?: %w", err)
	}
	logger.Info("docker connection OK")

	bus := events.NewBus(events.DefaultQueue, logger.With("component", "events"))
	resolver := launch.NewResolver(identity, cfg)
	ws := workspace.NewManager(cfg.Workspace.GitBinary, cfg.CheckoutsDir(), logger.With("component", "workspace"))

	builder := snapshot.New(snapshot.Options{
		Runtime:        dc,
		Projects:       st,
		Checkouts:      ws,
		Paths:          resolver,
		Events:         bus,
		Identity:       identity,
		LogDir:         cfg.LogsDir(),
		ContainerRoot:  cfg.Snapshot.ContainerRoot,
		ProjectInImage: cfg.Snapshot.ProjectInImage,
		Timeout:        cfg.BuildTimeout(),
		Logger:         logger.With("component", "snapshot"),
	})
	defer builder.Close()

	presenter := session.NewPresenter(st, cfg.LogsDir(), session.DefaultSubtitleInterval, logger.With("component", "presenter"))
	terms := terminal.New(terminal.Options{
		BacklogBytes: cfg.Terminal.BacklogBytes,
		ViewerQueue:  cfg.Terminal.ViewerQueue,
		Observer:     presenter.Observe,
		Logger:       logger.With("component", "terminal"),
	})
	sup := supervisor.New(dc, supervisor.Options{
		LivenessTimeout: cfg.LivenessTimeout(),
		LivenessSettle:  cfg.LivenessSettle(),
		HealthCommand:   cfg.Session.HealthCommand,
		Logger:          logger.With("component", "supervisor"),
	})

	mgr := session.NewManager(session.Deps{
		Store:      st,
		Snapshots:  builder,
		Supervisor: sup,
		Terminals:  terms,
		Workspaces: ws,
		Planner:    resolver,
		Containers: dc,
		Events:     bus,
		Presenter:  presenter,
	}, session.Options{
		StopGrace:     cfg.StopGrace(),
		WorkspacesDir: cfg.WorkspacesDir(),
		ContainerRoot: cfg.Snapshot.ContainerRoot,
		Logger:        logger.With("component", "session"),
	})
	defer mgr.Close()

	if err := mgr.ResumeBuilds(ctx); err != nil {
		logger.Warn("resume builds", "error", err)
	}

	rpr := reaper.New(mgr, cfg.ReconcileInterval(), logger.With("component", "reaper"))
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, mgr, terms, bus, rpr, logger.With("component", "api"))
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// event streams end with the signal context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		fmt.Fprintf(os.Stderr, "\n  agenthub daemon ready at http://%s\n\n", cfg.Listen)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
		httpServer.Close()
	}
	return nil
}
