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

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/nfcbridge/internal/api"
	"github.com/g960059/nfcbridge/internal/broadcast"
	"github.com/g960059/nfcbridge/internal/config"
	"github.com/g960059/nfcbridge/internal/coordinator"
	"github.com/g960059/nfcbridge/internal/daemon"
	"github.com/g960059/nfcbridge/internal/db"
	"github.com/g960059/nfcbridge/internal/hostchannel"
	"github.com/g960059/nfcbridge/internal/hostproto"
	"github.com/g960059/nfcbridge/internal/metrics"
)

var CLI struct {
	Config   string `short:"c" help:"Configuration file path" type:"path"`
	Socket   string `help:"UDS path for nfcbridged"`
	DB       string `name:"db" help:"SQLite path"`
	HostPath string `name:"host-path" help:"Card reader host executable"`
	Verbose  bool   `short:"v" help:"Enable debug logging"`
	Metrics  bool   `help:"Serve Prometheus metrics on /metrics"`
}

func main() {
	kong.Parse(&CLI,
		kong.Name("nfcbridged"),
		kong.Description("Bridge a card reader host process to local UI surfaces."),
	)

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	path := CLI.Config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		fatal(fmt.Errorf("invalid config: %w", err))
	}
	setLevel(level, cfg.Log.Level, CLI.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := os.Stat(path); err == nil {
		w, err := config.NewWatcher(path, slog.Default(), func(next config.Config) {
			setLevel(level, next.Log.Level, CLI.Verbose)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "error", err)
		} else {
			go w.Run(ctx)
		}
	}

	if err := run(ctx, cfg, slog.Default()); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func applyFlags(cfg *config.Config) {
	if CLI.Socket != "" {
		cfg.SocketPath = CLI.Socket
	}
	if CLI.DB != "" {
		cfg.DBPath = CLI.DB
	}
	if CLI.HostPath != "" {
		cfg.Host.Path = CLI.HostPath
	}
	if CLI.Metrics {
		cfg.Metrics.Enabled = true
	}
}

func setLevel(v *slog.LevelVar, raw string, verbose bool) {
	if verbose {
		v.Set(slog.LevelDebug)
		return
	}
	lvl, err := config.ParseLevel(raw)
	if err != nil {
		slog.Warn("ignoring log level", "error", err)
		return
	}
	v.Set(lvl)
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	var (
		rec          metrics.Recorder = metrics.NoopRecorder{}
		metricsRoute http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prom.NewRegistry()
		rec = metrics.NewPrometheusRecorder(reg)
		metricsRoute = metrics.HTTPHandler(reg)
	}

	framing, err := hostproto.ParseFraming(cfg.Host.Framing)
	if err != nil {
		return err
	}
	transport := &hostchannel.ProcessTransport{
		Path:     cfg.Host.Path,
		Args:     cfg.Host.Args,
		Framing:  framing,
		MaxFrame: cfg.Host.MaxFrame,
		Logger:   log,
	}

	var coord *coordinator.Coordinator
	hub := broadcast.NewHub(log,
		func(ctx context.Context, req api.ActionRequest) (api.ActionReply, error) {
			return coord.Handle(ctx, req)
		},
		func(ctx context.Context) (api.PushMessage, bool) {
			st, err := coord.Snapshot(ctx)
			if err != nil {
				return api.PushMessage{}, false
			}
			return api.PushMessage{Action: api.PushStateUpdate, State: &st}, true
		},
	)
	defer hub.Close()

	targets := broadcast.Multi{hub}
	if cfg.NATS.Enabled {
		pub, err := broadcast.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			return err
		}
		defer pub.Close() //nolint:errcheck
		targets = append(targets, pub)
	}

	coord = coordinator.New(coordinatorOptions(ctx, cfg, transport, store, targets, log, rec))
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Shutdown(shutdownCtx); err != nil {
			log.Warn("coordinator shutdown", "error", err)
		}
	}()

	retention, err := startRetention(ctx, store, cfg.History, log)
	if err != nil {
		return err
	}
	defer retention.Stop()

	srv := daemon.NewServer(cfg, daemon.Deps{
		Coordinator: coord,
		History:     store,
		Push:        hub,
		Metrics:     metricsRoute,
		Logger:      log,
	})
	return srv.Start(ctx)
}

func coordinatorOptions(ctx context.Context, cfg config.Config, transport hostchannel.Transport, store *db.Store, bcast coordinator.Broadcaster, log *slog.Logger, rec metrics.Recorder) coordinator.Options {
	maxReconnects := cfg.Timing.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}
	return coordinator.Options{
		Transport:     transport,
		Preferences:   store,
		History:       store,
		Broadcaster:   bcast,
		Logger:        log,
		Recorder:      rec,
		ClientVersion: cfg.ClientVersion,
		StoreTimeout:  cfg.Timing.StoreTimeout,
		Channel: hostchannel.Options{
			// Shutdown still needs the host to send stop-listening.
			Context:        context.WithoutCancel(ctx),
			StableAfter:    cfg.Timing.StableAfter,
			ReconnectDelay: cfg.Timing.ReconnectDelay,
			MaxReconnects:  maxReconnects,
		},
		Watchdog: coordinator.WatchdogOptions{
			Interval:   cfg.Timing.WatchdogInterval,
			CheckDelay: cfg.Timing.WatchdogCheckDelay,
			Timeout:    cfg.Timing.WatchdogTimeout,
		},
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "nfcbridged: %v\n", err)
	os.Exit(1)
}
