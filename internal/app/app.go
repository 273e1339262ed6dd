// Package app wires driftd: configuration, logging, history, alerts, the
// drift loops and the status API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"driftloop/internal/adapter/alert"
	"driftloop/internal/adapter/history"
	"driftloop/internal/adapter/httpapi"
	"driftloop/internal/adapter/scheduler"
	"driftloop/internal/config"
	"driftloop/internal/jobs"
	"driftloop/internal/platform/httpclient"
	"driftloop/internal/platform/logger"
	"driftloop/internal/shared"
	"driftloop/pkg/drift"
	"driftloop/pkg/retry"
)

const (
	stopTimeout     = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// App wires application components.
type App struct {
	cfg        config.Config
	root       *slog.Logger
	log        *slog.Logger
	instanceID string

	ready chan struct{}
	addr  string
}

// New loads configuration and creates the process logger.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "driftd",
	})
	return NewWithConfig(cfg, log), nil
}

// NewWithConfig creates an App from an already loaded configuration.
func NewWithConfig(cfg config.Config, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &App{
		cfg:        cfg,
		root:       log,
		log:        log.With("instance_id", id),
		instanceID: id,
		ready:      make(chan struct{}),
	}
}

// InstanceID identifies this process in history and alerts.
func (a *App) InstanceID() string { return a.instanceID }

// Ready is closed once the HTTP listener is bound.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the bound HTTP address. Valid after Ready.
func (a *App) Addr() string { return a.addr }

// Close closes the log file opened by New.
func (a *App) Close() error {
	return logger.Close(a.root)
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext runs until ctx is done, then cancels every loop and waits for
// them with a deadline.
func (a *App) RunContext(ctx context.Context) (err error) {
	a.log.Info("starting",
		slog.String("history", a.cfg.History.Driver),
		slog.String("addr", a.cfg.HTTP.Addr),
		slog.Bool("log_file", logger.HasFile(a.root)),
	)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close history: %w", cerr))
		}
	}()

	observers := []drift.Observer{history.NewRecorder(store, a.instanceID, a.log, 0)}
	if a.cfg.AlertsEnabled() {
		b, err := alert.NewBot(a.cfg.Telegram.Token)
		if err != nil {
			return shared.MarkKind(err, shared.KindDependencyFailure)
		}
		observers = append(observers, alert.New(b, a.cfg.Telegram.ChatID, a.instanceID, a.cfg.Telegram.Rate, a.log))
		a.log.Info("failure alerts enabled")
	}

	sched := scheduler.NewWithContext(ctx, scheduler.Config{
		Logger:     a.log,
		InstanceID: a.instanceID,
		Observers:  observers,
	})
	if err := a.startLoops(sched, store); err != nil {
		sched.Stop()
		return err
	}

	if a.cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpapi.New(httpapi.Options{
		Loops:      sched,
		Runs:       store,
		Logger:     a.log,
		InstanceID: a.instanceID,
		AdminToken: a.cfg.HTTP.AdminToken,
	})

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		sched.Stop()
		return shared.MarkKind(fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err), shared.KindDependencyFailure)
	}
	a.addr = ln.Addr().String()
	close(a.ready)

	srv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	a.log.Info("http api listening", slog.String("addr", a.addr))

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
	case runErr = <-serveErr:
		a.log.Error("server", slog.Any("err", runErr))
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	if err := sched.StopContext(stopCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stop loops: %w", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown http: %w", err))
	}
	a.log.Info("stopped")
	return runErr
}

func (a *App) openStore(ctx context.Context) (history.Store, error) {
	switch a.cfg.History.Driver {
	case "postgres":
		return history.OpenPostgres(ctx, a.cfg.History.DSN)
	default:
		return history.OpenSQLite(ctx, a.cfg.History.Path)
	}
}

func (a *App) startLoops(sched *scheduler.Scheduler, store history.Store) error {
	if u := a.cfg.Probe.URL; u != "" {
		client := httpclient.New(httpclient.WithLogger(a.log), httpclient.WithTimeout(a.cfg.Probe.Timeout))
		policy := retry.DefaultPolicy()
		policy.Attempts = a.cfg.Probe.Attempts
		probe := jobs.NewProbe(client, u, a.cfg.Probe.Timeout, policy, a.log)
		if _, err := sched.AddIntervalLoop("probe", a.cfg.Probe.Interval, probe, a.cfg.Probe.RunImmediately); err != nil {
			return shared.Wrapf(err, "start %s loop", "probe")
		}
	} else {
		a.log.Info("probe disabled, PROBE_URL is empty")
	}

	prune := jobs.NewPrune(store, a.cfg.History.Retention, nil, a.log)
	if _, err := sched.AddCronLoop("prune", a.cfg.History.PruneSchedule, prune, false); err != nil {
		return shared.Wrapf(err, "start %s loop", "prune")
	}
	return nil
}
