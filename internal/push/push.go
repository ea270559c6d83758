// Package push delivers monitoring data to sites that cannot dial in:
// the controller periodically collects agent output, compresses it, and
// posts it to each registered push site's agent-data endpoint using the
// connection's TLS identity.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/hostcourier/courier/internal/metrics"
	"github.com/hostcourier/courier/internal/monitoring"
	"github.com/hostcourier/courier/internal/receiver"
	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/sitespec"
)

// compressionAlgorithm is the value of the compression header on
// agent-data requests; the payload is raw zlib, without the pull
// transport's version framing.
const compressionAlgorithm = "zlib"

// Loop posts agent output to all push connections on a fixed interval.
type Loop struct {
	Registry  *registry.Registry
	Collector monitoring.Collector
	API       receiver.AgentData
	Interval  time.Duration
	Log       *slog.Logger
}

// Run executes push cycles until ctx is cancelled. A failing site is
// logged and retried on the next cycle; it never blocks delivery to the
// other sites.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.runCycle(ctx); err != nil {
				l.Log.Warn("push cycle failed", "error", err)
			}
		}
	}
}

func (l *Loop) runCycle(ctx context.Context) error {
	if _, err := l.Registry.Refresh(); err != nil {
		return fmt.Errorf("refresh connection registry: %w", err)
	}
	if l.Registry.PushIsEmpty() {
		return nil
	}

	// One collection serves all sites in this cycle; push output is not
	// attributed to a remote, so the loopback address stands in.
	raw, err := l.Collector.PlainOutput(ctx, netip.AddrFrom4([4]byte{127, 0, 0, 1}))
	if err != nil {
		return fmt.Errorf("collect monitoring data: %w", err)
	}
	compressed, err := monitoring.Compress(raw)
	if err != nil {
		return err
	}

	for _, sc := range l.Registry.PushConnections() {
		if err := l.pushToSite(ctx, sc, compressed); err != nil {
			l.Log.Warn("pushing monitoring data failed", "site", sc.SiteID, "error", err)
			metrics.PushCyclesTotal.WithLabelValues("error").Inc()
			continue
		}
		l.Log.Debug("pushed monitoring data", "site", sc.SiteID)
		metrics.PushCyclesTotal.WithLabelValues("success").Inc()
	}
	return nil
}

func (l *Loop) pushToSite(ctx context.Context, sc registry.StandardConnection, compressed []byte) error {
	baseURL, err := sitespec.SiteURL(sc.SiteID, sc.Connection.ReceiverPort)
	if err != nil {
		return err
	}
	return l.API.AgentData(ctx, baseURL, &sc.Connection.TrustedConnection, compressionAlgorithm, compressed)
}
