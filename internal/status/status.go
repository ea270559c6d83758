// Package status renders the controller's connection state for the
// operator: every registered connection with its local certificate
// health and, unless disabled, the registration state the site itself
// reports. Problem fields are marked "(!!)" (critical) or "(!)"
// (warning).
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hostcourier/courier/internal/certs"
	"github.com/hostcourier/courier/internal/receiver"
	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/sitespec"
)

// expiryWarning is how close to expiry a certificate may get before the
// status output flags it.
const expiryWarning = 30 * 24 * time.Hour

// RemoteReport is what the site reports about a connection, or why it
// could not be asked.
type RemoteReport struct {
	Hostname       string `json:"hostname,omitempty"`
	Status         string `json:"status,omitempty"`
	ConnectionMode string `json:"connection_mode,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ConnectionReport is the status of one registered connection.
type ConnectionReport struct {
	Site         string        `json:"site,omitempty"` // empty for imported connections
	UUID         string        `json:"uuid"`
	Mode         string        `json:"mode"`
	ReceiverPort uint16        `json:"receiver_port,omitempty"`
	CertExpiry   *time.Time    `json:"certificate_expiry,omitempty"`
	CertError    string        `json:"certificate_error,omitempty"`
	Remote       *RemoteReport `json:"remote,omitempty"`
}

// Report is the full controller status.
type Report struct {
	Connections      []ConnectionReport `json:"connections"`
	LegacyPullActive bool               `json:"legacy_pull_active"`
}

// Collect builds the report from the registry and, when queryRemote is
// set, from each standard connection's site.
func Collect(ctx context.Context, reg *registry.Registry, api receiver.Status, queryRemote bool) Report {
	report := Report{
		Connections:      []ConnectionReport{},
		LegacyPullActive: reg.IsLegacyPullActive(),
	}
	for _, sc := range reg.PushConnections() {
		report.Connections = append(report.Connections,
			standardReport(ctx, sc, string(registry.ModePush), api, queryRemote))
	}
	for _, sc := range reg.StandardPullConnections() {
		report.Connections = append(report.Connections,
			standardReport(ctx, sc, string(registry.ModePull), api, queryRemote))
	}
	for _, conn := range reg.ImportedPullConnections() {
		cr := ConnectionReport{
			UUID: conn.UUID.String(),
			Mode: "imported-pull",
		}
		fillCertFields(&cr, conn.Certificate)
		report.Connections = append(report.Connections, cr)
	}
	return report
}

func standardReport(ctx context.Context, sc registry.StandardConnection, mode string, api receiver.Status, queryRemote bool) ConnectionReport {
	cr := ConnectionReport{
		Site:         sc.SiteID.String(),
		UUID:         sc.Connection.UUID.String(),
		Mode:         mode,
		ReceiverPort: sc.Connection.ReceiverPort,
	}
	fillCertFields(&cr, sc.Connection.Certificate)
	if queryRemote {
		cr.Remote = queryRemoteStatus(ctx, sc, api)
	}
	return cr
}

func fillCertFields(cr *ConnectionReport, certPEM string) {
	cert, err := certs.ParseCertificatePEM(certPEM)
	if err != nil {
		cr.CertError = err.Error()
		return
	}
	expiry := cert.NotAfter
	cr.CertExpiry = &expiry
}

func queryRemoteStatus(ctx context.Context, sc registry.StandardConnection, api receiver.Status) *RemoteReport {
	baseURL, err := sitespec.SiteURL(sc.SiteID, sc.Connection.ReceiverPort)
	if err != nil {
		return &RemoteReport{Error: err.Error()}
	}
	resp, err := api.Status(ctx, baseURL, &sc.Connection.TrustedConnection)
	if err != nil {
		return &RemoteReport{Error: err.Error()}
	}
	remote := &RemoteReport{}
	if resp.Hostname != nil {
		remote.Hostname = *resp.Hostname
	}
	if resp.Status != nil {
		remote.Status = string(*resp.Status)
	}
	if resp.ConnectionMode != nil {
		remote.ConnectionMode = string(*resp.ConnectionMode)
	}
	return remote
}

// RenderJSON returns the report as indented JSON.
func (r Report) RenderJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize status report: %w", err)
	}
	return string(data), nil
}

// Render returns the human-readable report. now feeds the certificate
// expiry checks.
func (r Report) Render(now time.Time) string {
	var b strings.Builder
	if len(r.Connections) == 0 {
		b.WriteString("No connections\n")
	}
	for i, cr := range r.Connections {
		if i > 0 {
			b.WriteString("\n")
		}
		renderConnection(&b, cr, now)
	}
	if r.LegacyPullActive {
		b.WriteString("\nLegacy pull mode: active (!!)\n")
	}
	return b.String()
}

func renderConnection(b *strings.Builder, cr ConnectionReport, now time.Time) {
	if cr.Site != "" {
		fmt.Fprintf(b, "Connection: %s\n", cr.Site)
	} else {
		fmt.Fprintf(b, "Connection: imported\n")
	}
	fmt.Fprintf(b, "\tUUID: %s\n", cr.UUID)
	fmt.Fprintf(b, "\tMode: %s\n", cr.Mode)
	if cr.ReceiverPort != 0 {
		fmt.Fprintf(b, "\tReceiver port: %d\n", cr.ReceiverPort)
	}

	switch {
	case cr.CertError != "":
		fmt.Fprintf(b, "\tCertificate: unreadable: %s (!!)\n", cr.CertError)
	case cr.CertExpiry != nil && !cr.CertExpiry.After(now):
		fmt.Fprintf(b, "\tCertificate expiry: %s (!!)\n", cr.CertExpiry.Format(time.RFC1123))
	case cr.CertExpiry != nil && cr.CertExpiry.Sub(now) < expiryWarning:
		fmt.Fprintf(b, "\tCertificate expiry: %s (!)\n", cr.CertExpiry.Format(time.RFC1123))
	case cr.CertExpiry != nil:
		fmt.Fprintf(b, "\tCertificate expiry: %s\n", cr.CertExpiry.Format(time.RFC1123))
	}

	if cr.Remote == nil {
		return
	}
	switch {
	case cr.Remote.Error != "":
		fmt.Fprintf(b, "\tRemote: query failed: %s (!!)\n", cr.Remote.Error)
	case cr.Remote.Status == string(receiver.HostStatusDeclined):
		fmt.Fprintf(b, "\tRemote: declined (!!)\n")
	default:
		if cr.Remote.Hostname != "" {
			fmt.Fprintf(b, "\tRemote host name: %s\n", cr.Remote.Hostname)
		} else {
			fmt.Fprintf(b, "\tRemote host name: not assigned (!)\n")
		}
		if cr.Remote.ConnectionMode != "" {
			fmt.Fprintf(b, "\tRemote mode: %s\n", cr.Remote.ConnectionMode)
			if cr.Mode != cr.Remote.ConnectionMode {
				fmt.Fprintf(b, "\tMode mismatch between local and remote (!!)\n")
			}
		} else {
			fmt.Fprintf(b, "\tRemote mode: registration in progress (!)\n")
		}
	}
}
