// Command entityd runs an entitymesh node hosting the sample entities.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/entitymesh/internal/app"
	"github.com/MrWong99/entitymesh/internal/config"
	"github.com/MrWong99/entitymesh/internal/observe"
	"go.opentelemetry.io/otel"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "entitymesh.yaml", "path to the YAML or TOML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config poll interval; 0 disables hot reload")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "entityd: config file %q not found, copy configs/entitymesh.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "entityd: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	slog.Info("entityd starting",
		"config", *configPath,
		"version", version,
		"instance", provider.InstanceID,
		"listen_addr", cfg.Server.ListenAddr,
		"storage", cfg.Storage.Driver,
		"node_sets", len(cfg.Cluster.NodeSets),
	)

	node, err := app.New(ctx, cfg,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.MetricsHandler),
		app.WithLogger(slog.Default().With("instance", provider.InstanceID)),
	)
	if err != nil {
		slog.Error("failed to initialise node", "err", err)
		return 1
	}

	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
			d := config.Diff(old, updated)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.PersistenceChanged {
				node.ApplyPersistence(d.NewPersistence)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes need a restart to apply", "sections", d.RestartRequired)
			}
		}, config.WithInterval(*watch))
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	runErr := node.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	slog.Info("stopping node", "timeout", cfg.Server.ShutdownTimeout)
	if err := node.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
