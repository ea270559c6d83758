// Package renewal keeps the certificates of registered connections
// fresh. A background loop walks all standard connections once a day (or
// on an operator-supplied cron schedule), renews certificates that are
// close to expiry or suspiciously long-lived, and persists the registry
// once per cycle. Imported pull connections have no remote to renew
// against and are never touched.
package renewal

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hostcourier/courier/internal/certs"
	"github.com/hostcourier/courier/internal/clock"
	"github.com/hostcourier/courier/internal/metrics"
	"github.com/hostcourier/courier/internal/receiver"
	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/sitespec"
)

const (
	// ValidityLowerLimit: certificates expiring sooner than this are
	// renewed.
	ValidityLowerLimit = 45 * 24 * time.Hour
	// ValidityUpperLimit: certificates valid longer than this indicate
	// a botched issuance ("forever" certificates) and are renewed to
	// recover.
	// NOTE: time.Duration is an int64 count of nanoseconds, whose max
	// value is ~292 years, so a band of 500 years cannot be expressed
	// here; this uses the largest round figure that fits, and
	// certificates with more than 290 years left are renewed.
	ValidityUpperLimit = 290 * 365 * 24 * time.Hour

	cycleInterval = 24 * time.Hour
	// startSplay spreads the first cycle across a fleet so a site is
	// not hit by every host at once.
	startSplay = 10 * time.Minute
)

// Decision is the outcome of inspecting one certificate.
type Decision int

const (
	// Keep means the certificate is fine.
	Keep Decision = iota
	// Renew means the certificate should be replaced now.
	Renew
	// Expired means renewal is impossible; only the operator can
	// recover by re-registering.
	Expired
)

// Decide applies the renewal bands to a certificate's remaining
// validity.
func Decide(cert *x509.Certificate, now time.Time) Decision {
	remaining := cert.NotAfter.Sub(now)
	switch {
	case remaining <= 0:
		return Expired
	case remaining < ValidityLowerLimit, remaining > ValidityUpperLimit:
		return Renew
	default:
		return Keep
	}
}

// renewConnectionCert generates a fresh CSR for the connection's UUID,
// calls the renew endpoint with the existing TLS identity, and replaces
// the private key and certificate in place.
func renewConnectionCert(ctx context.Context, api receiver.RenewCertificate, siteID sitespec.SiteID, conn *registry.TrustedConnectionWithRemote) error {
	baseURL, err := sitespec.SiteURL(siteID, conn.ReceiverPort)
	if err != nil {
		return err
	}
	csr, privateKey, err := certs.MakeCSR(conn.UUID.String())
	if err != nil {
		return fmt.Errorf("create CSR: %w", err)
	}
	renewed, err := api.RenewCertificate(ctx, baseURL, &conn.TrustedConnection, csr)
	if err != nil {
		return err
	}
	conn.PrivateKey = privateKey
	conn.Certificate = renewed.AgentCert
	return nil
}

// RenewByIdent renews one standard connection addressed by site ID or
// UUID and saves the registry. This backs the renew-certificate command.
func RenewByIdent(ctx context.Context, reg *registry.Registry, ident string, api receiver.RenewCertificate) error {
	siteID, err := siteIDFromIdent(reg, ident)
	if err != nil {
		return err
	}
	conn := reg.Get(siteID)
	if conn == nil {
		return fmt.Errorf("couldn't find connection with site ID %s", siteID)
	}
	if err := renewConnectionCert(ctx, api, siteID, conn); err != nil {
		return err
	}
	if err := reg.Save(); err != nil {
		return fmt.Errorf("save connection registry: %w", err)
	}
	return nil
}

func siteIDFromIdent(reg *registry.Registry, ident string) (sitespec.SiteID, error) {
	if siteID, err := sitespec.ParseSiteID(ident); err == nil {
		return siteID, nil
	}
	u, err := uuid.Parse(ident)
	if err != nil {
		return sitespec.SiteID{}, fmt.Errorf(
			"connection identifier %q is neither valid as site ID nor as UUID", ident)
	}
	siteID, ok := reg.RetrieveStandardByUUID(u)
	if !ok {
		return sitespec.SiteID{}, fmt.Errorf("couldn't find connection with UUID %q", ident)
	}
	return siteID, nil
}

// Loop is the background renewal task.
type Loop struct {
	Registry *registry.Registry
	API      receiver.RenewCertificate
	// Schedule is an optional cron expression; empty means a daily
	// cycle.
	Schedule string
	Clock    clock.Clock
	Log      *slog.Logger
}

// Run executes renewal cycles until ctx is cancelled. Errors inside a
// cycle are logged and retried on the next tick; apart from an
// unparseable Schedule, which is returned as an error before the first
// cycle, only context cancellation ends the loop.
func (l *Loop) Run(ctx context.Context) error {
	// Random start delay to spread load across a fleet.
	splay := time.Duration(rand.Int64N(int64(startSplay)))
	l.Log.Debug("renewal loop starting", "splay", splay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.Clock.After(splay):
	}

	var schedule cron.Schedule
	if l.Schedule != "" {
		parsed, err := cron.ParseStandard(l.Schedule)
		if err != nil {
			return fmt.Errorf("parse renewal schedule: %w", err)
		}
		schedule = parsed
	}

	for {
		begin := l.Clock.Now()
		l.Log.Debug("checking registered connections for certificate expiry")
		if err := l.runCycle(ctx); err != nil {
			l.Log.Warn("error running certificate renewal cycle", "error", err)
		}

		var wait time.Duration
		if schedule != nil {
			wait = schedule.Next(l.Clock.Now()).Sub(l.Clock.Now())
		} else {
			wait = cycleInterval - l.Clock.Since(begin)
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.Clock.After(wait):
		}
	}
}

// runCycle refreshes the registry, walks all standard connections, and
// saves once after all renewals.
func (l *Loop) runCycle(ctx context.Context) error {
	if _, err := l.Registry.Refresh(); err != nil {
		return fmt.Errorf("refresh connection registry: %w", err)
	}
	if l.Registry.IsEmpty() {
		// Nothing to renew, and nothing to save.
		return nil
	}

	renewed := 0
	for _, sc := range l.Registry.StandardConnections() {
		switch l.decideConnection(sc) {
		case Renew:
			if err := renewConnectionCert(ctx, l.API, sc.SiteID, sc.Connection); err != nil {
				l.Log.Warn("renewing certificate failed", "site", sc.SiteID, "error", err)
				metrics.RenewalsTotal.WithLabelValues("error").Inc()
				continue
			}
			l.Log.Info("renewed certificate", "site", sc.SiteID)
			metrics.RenewalsTotal.WithLabelValues("success").Inc()
			renewed++
		case Expired, Keep:
		}
	}

	if renewed == 0 {
		return nil
	}
	if err := l.Registry.Save(); err != nil {
		return fmt.Errorf("save connection registry: %w", err)
	}
	return nil
}

func (l *Loop) decideConnection(sc registry.StandardConnection) Decision {
	cert, err := certs.ParseCertificatePEM(sc.Connection.Certificate)
	if err != nil {
		l.Log.Warn("certificate does not parse, skipping", "site", sc.SiteID, "error", err)
		return Keep
	}
	decision := Decide(cert, l.Clock.Now())
	switch decision {
	case Expired:
		l.Log.Warn("certificate expired, can't renew", "site", sc.SiteID)
		metrics.RenewalsTotal.WithLabelValues("expired").Inc()
	case Renew:
		remaining := cert.NotAfter.Sub(l.Clock.Now())
		if remaining > ValidityUpperLimit {
			l.Log.Info("certificate has too long validity, renewing", "site", sc.SiteID)
		} else {
			l.Log.Info("certificate is about to expire, renewing", "site", sc.SiteID)
		}
	case Keep:
	}
	return decision
}
