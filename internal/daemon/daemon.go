// Package daemon supervises the controller's three long-running tasks —
// the pull listener, the push loop and the certificate renewal loop —
// under one context. The tasks share no in-memory state beyond their own
// registry handles; coordination happens through the registry file.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hostcourier/courier/internal/clock"
	"github.com/hostcourier/courier/internal/config"
	"github.com/hostcourier/courier/internal/metrics"
	"github.com/hostcourier/courier/internal/monitoring"
	"github.com/hostcourier/courier/internal/pull"
	"github.com/hostcourier/courier/internal/push"
	"github.com/hostcourier/courier/internal/receiver"
	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/renewal"
)

// metricsWriteInterval is how often the textfile exposition is
// refreshed when enabled.
const metricsWriteInterval = time.Minute

// Run blocks until ctx is cancelled or one of the supervised tasks
// fails. Each task gets its own Registry handle so that no in-memory
// state is shared across them.
func Run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	collector := monitoring.ChannelCollector{Channel: monitoring.AgentChannel(cfg.AgentSocket)}
	api := &receiver.Client{Timeout: cfg.ConnectionTimeout}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		reg, err := registry.Load(cfg.RegistryPath(), log)
		if err != nil {
			return err
		}
		state, err := pull.NewState(reg, pull.Config{
			Port:                cfg.PullPort,
			AllowedIPs:          cfg.AllowedIPs,
			ConnectionTimeout:   cfg.ConnectionTimeout,
			MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		}, log)
		if err != nil {
			return err
		}
		return pull.NewListener(state, collector, log).Run(ctx)
	})

	group.Go(func() error {
		reg, err := registry.Load(cfg.RegistryPath(), log)
		if err != nil {
			return err
		}
		loop := &push.Loop{
			Registry:  reg,
			Collector: collector,
			API:       api,
			Interval:  cfg.PushInterval,
			Log:       log,
		}
		return loop.Run(ctx)
	})

	group.Go(func() error {
		reg, err := registry.Load(cfg.RegistryPath(), log)
		if err != nil {
			return err
		}
		loop := &renewal.Loop{
			Registry: reg,
			API:      api,
			Schedule: cfg.RenewalSchedule,
			Clock:    clock.Real{},
			Log:      log,
		}
		return loop.Run(ctx)
	})

	if cfg.MetricsTextfile != "" {
		group.Go(func() error {
			return writeMetricsLoop(ctx, cfg.MetricsTextfile, log)
		})
	}

	return group.Wait()
}

func writeMetricsLoop(ctx context.Context, path string, log *slog.Logger) error {
	ticker := time.NewTicker(metricsWriteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("writing metrics textfile failed", "path", path, "error", err)
			}
		}
	}
}
