// Package registration orchestrates the handshakes that populate the
// connection registry: pairing, host-name or agent-labels registration,
// status polling until the site confirms a mode, proxy registration and
// import of proxy-issued trust material.
package registration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hostcourier/courier/internal/certs"
	"github.com/hostcourier/courier/internal/receiver"
	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/sitespec"
)

// statusPollInterval is how long to wait between polls while the site
// has not yet confirmed the registration.
const statusPollInterval = 20 * time.Second

// ConnectionConfig describes one registration attempt against a site.
type ConnectionConfig struct {
	SiteID       sitespec.SiteID
	ReceiverPort uint16
	Username     string
	// Password is used when non-empty; otherwise the trust establisher
	// prompts for one.
	Password string
	// RootCertificate, when set, verifies the receiver's certificate
	// during registration.
	RootCertificate string
	// TrustServerCert skips the interactive certificate prompt.
	TrustServerCert bool
}

// TrustEstablisher is the operator interaction surface: confirming an
// unverified server certificate and supplying a password. Tests and
// non-interactive callers substitute their own.
type TrustEstablisher interface {
	PromptServerCertificate(ctx context.Context, server string, port uint16) error
	PromptPassword(user string) (string, error)
}

// InteractiveTrust implements TrustEstablisher on standard input.
type InteractiveTrust struct {
	In  io.Reader
	Err io.Writer
}

// PromptServerCertificate fetches and displays the server's certificate,
// then asks whether to continue. A negative answer aborts registration.
func (t *InteractiveTrust) PromptServerCertificate(ctx context.Context, server string, port uint16) error {
	pemStr, err := certs.FetchServerCertPEM(ctx, server, port)
	if err != nil {
		return err
	}
	cert, err := certs.ParseCertificatePEM(pemStr)
	if err != nil {
		return err
	}

	fmt.Fprintf(t.Err, "Attempting to register at %s, port %d. Server certificate details:\n\n", server, port)
	fmt.Fprintf(t.Err, "PEM-encoded certificate:\n%s\n", pemStr)
	fmt.Fprintf(t.Err, "Issued by:\n\t%s\n", cert.Issuer.CommonName)
	fmt.Fprintf(t.Err, "Issued to:\n\t%s\n", cert.Subject.CommonName)
	fmt.Fprintf(t.Err, "Validity:\n\t%s\n\n", certs.RenderValidity(cert))
	fmt.Fprintln(t.Err, "Do you want to establish this connection? [Y/n]")

	reader := bufio.NewReader(t.In)
	for {
		fmt.Fprint(t.Err, "> ")
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return fmt.Errorf("read answer from standard input: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "":
			return nil
		case "n":
			return fmt.Errorf("cannot continue without trusting %s, port %d", server, port)
		default:
			fmt.Fprintln(t.Err, "Please answer 'y' or 'n'")
		}
	}
}

// PromptPassword reads the API password from standard input.
func (t *InteractiveTrust) PromptPassword(user string) (string, error) {
	fmt.Fprintf(t.Err, "\nPlease enter password for '%s'\n> ", user)
	reader := bufio.NewReader(t.In)
	password, err := reader.ReadString('\n')
	if err != nil && password == "" {
		return "", fmt.Errorf("obtain API password: %w", err)
	}
	return strings.TrimRight(password, "\r\n"), nil
}

// pairingResult is the material produced by a successful pairing.
type pairingResult struct {
	uuid       uuid.UUID
	privateKey string
	response   *receiver.PairingResponse
}

// registrationServerCert decides which root certificate, if any, to use
// against the receiver during registration. A configured root wins over
// blind trust, with a warning; without either, the operator is prompted.
func registrationServerCert(ctx context.Context, cfg *ConnectionConfig, trust TrustEstablisher, log *slog.Logger) (string, error) {
	if cfg.RootCertificate != "" {
		if cfg.TrustServerCert {
			log.Warn("blind trust of server certificate enabled, but a configured root certificate takes precedence")
		}
		return cfg.RootCertificate, nil
	}
	if !cfg.TrustServerCert {
		if err := trust.PromptServerCertificate(ctx, cfg.SiteID.Server, cfg.ReceiverPort); err != nil {
			return "", err
		}
	}
	return "", nil
}

// prepareRegistration generates the UUID and key pair, resolves trust
// and credentials, and pairs with the site.
func prepareRegistration(ctx context.Context, cfg *ConnectionConfig, api receiver.Pairing, trust TrustEstablisher, log *slog.Logger) (receiver.Credentials, *pairingResult, error) {
	u := uuid.New()
	csr, privateKey, err := certs.MakeCSR(u.String())
	if err != nil {
		return receiver.Credentials{}, nil, fmt.Errorf("create CSR: %w", err)
	}

	rootCert, err := registrationServerCert(ctx, cfg, trust, log)
	if err != nil {
		return receiver.Credentials{}, nil, err
	}

	password := cfg.Password
	if password == "" {
		if password, err = trust.PromptPassword(cfg.Username); err != nil {
			return receiver.Credentials{}, nil, err
		}
	}
	credentials := receiver.Credentials{Username: cfg.Username, Password: password}

	baseURL, err := sitespec.SiteURL(cfg.SiteID, cfg.ReceiverPort)
	if err != nil {
		return receiver.Credentials{}, nil, err
	}
	pairing, err := api.Pair(ctx, baseURL, rootCert, csr, credentials)
	if err != nil {
		return receiver.Credentials{}, nil, fmt.Errorf("pairing with %s, port %d: %w", cfg.SiteID, cfg.ReceiverPort, err)
	}

	return credentials, &pairingResult{uuid: u, privateKey: privateKey, response: pairing}, nil
}

// endpointCall is the variant-specific registration call: host name or
// agent labels.
type endpointCall func(ctx context.Context, cfg *ConnectionConfig, credentials receiver.Credentials, pairing *pairingResult) error

// API is the receiver capability set direct registration needs.
type API interface {
	receiver.Pairing
	receiver.Registration
	receiver.Status
}

// directRegistration performs pairing, the variant call, and status
// polling, then writes the registry. The confirmed mode from the site is
// the only path that mutates the registry.
func directRegistration(ctx context.Context, cfg *ConnectionConfig, reg *registry.Registry, api API, trust TrustEstablisher, call endpointCall, log *slog.Logger) error {
	credentials, pairing, err := prepareRegistration(ctx, cfg, api, trust, log)
	if err != nil {
		return err
	}

	if err := call(ctx, cfg, credentials, pairing); err != nil {
		return err
	}

	connection := &registry.TrustedConnectionWithRemote{
		TrustedConnection: registry.TrustedConnection{
			UUID:        pairing.uuid,
			PrivateKey:  pairing.privateKey,
			Certificate: pairing.response.ClientCert,
			RootCert:    pairing.response.RootCert,
		},
		ReceiverPort: cfg.ReceiverPort,
	}

	mode, err := postRegistrationMode(ctx, cfg.SiteID, connection, api, log)
	if err != nil {
		return err
	}

	reg.RegisterConnection(mode, cfg.SiteID, connection)
	if err := reg.Save(); err != nil {
		return fmt.Errorf("save connection registry: %w", err)
	}
	return nil
}

// postRegistrationMode polls the status endpoint until the site either
// declines the registration or confirms a connection mode.
func postRegistrationMode(ctx context.Context, siteID sitespec.SiteID, connection *registry.TrustedConnectionWithRemote, api receiver.Status, log *slog.Logger) (registry.ConnectionMode, error) {
	baseURL, err := sitespec.SiteURL(siteID, connection.ReceiverPort)
	if err != nil {
		return "", err
	}
	for {
		status, err := api.Status(ctx, baseURL, &connection.TrustedConnection)
		if err != nil {
			return "", err
		}
		if status.Status != nil && *status.Status == receiver.HostStatusDeclined {
			if status.Message != nil {
				return "", fmt.Errorf("registration declined by monitoring site: %s", *status.Message)
			}
			return "", fmt.Errorf("registration declined by monitoring site")
		}
		if status.ConnectionMode != nil {
			return *status.ConnectionMode, nil
		}
		log.Info("waiting for registration to complete on monitoring site", "sleep", statusPollInterval)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(statusPollInterval):
		}
	}
}

// RegisterHostName registers this controller for an existing host name.
func RegisterHostName(ctx context.Context, cfg *ConnectionConfig, hostName string, reg *registry.Registry, api API, trust TrustEstablisher, log *slog.Logger) error {
	return directRegistration(ctx, cfg, reg, api, trust,
		func(ctx context.Context, cfg *ConnectionConfig, credentials receiver.Credentials, pairing *pairingResult) error {
			baseURL, err := sitespec.SiteURL(cfg.SiteID, cfg.ReceiverPort)
			if err != nil {
				return err
			}
			if err := api.RegisterWithHostname(ctx, baseURL, pairing.response.RootCert, credentials, pairing.uuid, hostName); err != nil {
				return fmt.Errorf("registering with host name at %s, port %d: %w", cfg.SiteID, cfg.ReceiverPort, err)
			}
			return nil
		}, log)
}

// RegisterAgentLabels registers this controller with agent labels; the
// site creates the host once an operator accepts it.
func RegisterAgentLabels(ctx context.Context, cfg *ConnectionConfig, agentLabels map[string]string, reg *registry.Registry, api API, trust TrustEstablisher, log *slog.Logger) error {
	return directRegistration(ctx, cfg, reg, api, trust,
		func(ctx context.Context, cfg *ConnectionConfig, credentials receiver.Credentials, pairing *pairingResult) error {
			baseURL, err := sitespec.SiteURL(cfg.SiteID, cfg.ReceiverPort)
			if err != nil {
				return err
			}
			if err := api.RegisterWithAgentLabels(ctx, baseURL, pairing.response.RootCert, credentials, pairing.uuid, agentLabels); err != nil {
				return fmt.Errorf("registering with agent labels at %s, port %d: %w", cfg.SiteID, cfg.ReceiverPort, err)
			}
			return nil
		}, log)
}

// ProxyPullData is the document emitted by proxy registration and
// consumed by Import on the target host.
type ProxyPullData struct {
	AgentControllerVersion string                     `json:"agent_controller_version"`
	Connection             registry.TrustedConnection `json:"connection"`
}

// ProxyAPI is the capability set proxy registration needs; it never
// polls status because the registry of the proxying host stays
// untouched.
type ProxyAPI interface {
	receiver.Pairing
	receiver.Registration
}

// ProxyRegister performs pairing and host-name registration on behalf of
// another host and writes the resulting trust material as JSON to out
// instead of mutating any registry.
func ProxyRegister(ctx context.Context, cfg *ConnectionConfig, hostName, version string, api ProxyAPI, trust TrustEstablisher, out io.Writer, log *slog.Logger) error {
	credentials, pairing, err := prepareRegistration(ctx, cfg, api, trust, log)
	if err != nil {
		return err
	}

	baseURL, err := sitespec.SiteURL(cfg.SiteID, cfg.ReceiverPort)
	if err != nil {
		return err
	}
	if err := api.RegisterWithHostname(ctx, baseURL, pairing.response.RootCert, credentials, pairing.uuid, hostName); err != nil {
		return fmt.Errorf("registering with host name at %s, port %d: %w", cfg.SiteID, cfg.ReceiverPort, err)
	}

	data, err := json.Marshal(&ProxyPullData{
		AgentControllerVersion: version,
		Connection: registry.TrustedConnection{
			UUID:        pairing.uuid,
			PrivateKey:  pairing.privateKey,
			Certificate: pairing.response.ClientCert,
			RootCert:    pairing.response.RootCert,
		},
	})
	if err != nil {
		return fmt.Errorf("serialize proxy registration result: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// Import adds proxy-issued trust material to the imported-pull partition
// and saves the registry.
func Import(reg *registry.Registry, data []byte) error {
	var proxyData ProxyPullData
	if err := json.Unmarshal(data, &proxyData); err != nil {
		return fmt.Errorf("parse proxy registration data: %w", err)
	}
	if proxyData.Connection.UUID == uuid.Nil {
		return fmt.Errorf("proxy registration data contains no connection UUID")
	}
	conn := proxyData.Connection
	reg.RegisterImportedConnection(&conn)
	if err := reg.Save(); err != nil {
		return fmt.Errorf("save connection registry: %w", err)
	}
	return nil
}

// ImportFile reads proxy registration data from path, or from stdin when
// path is "-".
func ImportFile(reg *registry.Registry, path string) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read proxy registration data: %w", err)
	}
	return Import(reg, data)
}
