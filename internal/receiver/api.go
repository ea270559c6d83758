// Package receiver is the typed client for a site's agent receiver API.
// Each capability the controller needs — pairing, registration, status,
// renewal, data delivery — is its own narrow interface so orchestrators
// depend only on what they use and tests can supply mocks.
package receiver

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hostcourier/courier/internal/certs"
	"github.com/hostcourier/courier/internal/registry"
)

// Credentials authenticate the operator against the receiver's
// registration endpoints (HTTP basic auth). The data-plane endpoints use
// the connection's TLS identity instead.
type Credentials struct {
	Username string
	Password string
}

// PairingResponse is the receiver's answer to a pairing request: the
// signed client certificate plus the site's root certificate.
type PairingResponse struct {
	RootCert   string `json:"root_cert"`
	ClientCert string `json:"client_cert"`
}

// HostStatus is the registration state a site reports for a host.
type HostStatus string

const (
	HostStatusNew          HostStatus = "new"
	HostStatusPending      HostStatus = "pending"
	HostStatusDeclined     HostStatus = "declined"
	HostStatusDiscoverable HostStatus = "discoverable"
)

// StatusResponse is the receiver's registration status for one
// connection. All fields are optional; a missing connection mode means
// registration is still in progress.
type StatusResponse struct {
	Hostname       *string                  `json:"hostname"`
	Status         *HostStatus              `json:"status"`
	ConnectionMode *registry.ConnectionMode `json:"type"`
	Message        *string                  `json:"message"`
}

// RenewCertificateResponse carries the re-signed client certificate.
type RenewCertificateResponse struct {
	AgentCert string `json:"agent_cert"`
}

// Pairing exchanges a CSR and API credentials for signed trust material.
type Pairing interface {
	Pair(ctx context.Context, baseURL *url.URL, rootCert string, csr string, credentials Credentials) (*PairingResponse, error)
}

// Registration announces the paired UUID to the site, either under an
// existing host name or with agent labels for a host yet to be created.
type Registration interface {
	RegisterWithHostname(ctx context.Context, baseURL *url.URL, rootCert string, credentials Credentials, u uuid.UUID, hostName string) error
	RegisterWithAgentLabels(ctx context.Context, baseURL *url.URL, rootCert string, credentials Credentials, u uuid.UUID, agentLabels map[string]string) error
}

// Status polls the registration state of a connection.
type Status interface {
	Status(ctx context.Context, baseURL *url.URL, connection *registry.TrustedConnection) (*StatusResponse, error)
}

// RenewCertificate requests a fresh certificate for an existing
// connection, authenticated by the connection's current TLS identity.
type RenewCertificate interface {
	RenewCertificate(ctx context.Context, baseURL *url.URL, connection *registry.TrustedConnection, csr string) (*RenewCertificateResponse, error)
}

// AgentData delivers one chunk of compressed monitoring data on the push
// path.
type AgentData interface {
	AgentData(ctx context.Context, baseURL *url.URL, connection *registry.TrustedConnection, compression string, monitoringData []byte) error
}

// Client is the HTTP implementation of all receiver capabilities.
type Client struct {
	// Timeout bounds each individual request.
	Timeout time.Duration
}

func (c *Client) httpClient(tlsCfg *tls.Config) *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
			// The receiver is on the local network path; never route
			// monitoring traffic through an HTTP proxy.
			Proxy: nil,
		},
	}
}

// registrationTLSConfig builds the TLS side of a registration-phase
// request: verified against rootCert when one is known, otherwise
// accepting whatever the server presents (trust was established by the
// operator beforehand).
func registrationTLSConfig(rootCert string) (*tls.Config, error) {
	if rootCert == "" {
		return certs.InsecureClientTLSConfig(nil), nil
	}
	return certs.ClientTLSConfig(rootCert, nil)
}

// connectionTLSConfig builds mutual TLS from a registered connection.
func connectionTLSConfig(connection *registry.TrustedConnection) (*tls.Config, error) {
	identity, err := connection.TLSIdentity()
	if err != nil {
		return nil, err
	}
	return certs.ClientTLSConfig(connection.RootCert, &identity)
}

// endpointURL appends the agent-receiver path segments to a site base
// URL.
func endpointURL(baseURL *url.URL, segments ...string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL.String(), "/") + "/agent-receiver/" + strings.Join(segments, "/"))
	if err != nil {
		return "", fmt.Errorf("construct agent receiver endpoint URL from %s and segments %s: %w",
			baseURL, strings.Join(segments, ", "), err)
	}
	return u.String(), nil
}

func (c *Client) Pair(ctx context.Context, baseURL *url.URL, rootCert string, csr string, credentials Credentials) (*PairingResponse, error) {
	tlsCfg, err := registrationTLSConfig(rootCert)
	if err != nil {
		return nil, err
	}
	endpoint, err := endpointURL(baseURL, "pairing")
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"csr": csr})
	if err != nil {
		return nil, fmt.Errorf("serialize pairing body: %w", err)
	}
	resp, err := c.postJSON(ctx, tlsCfg, endpoint, &credentials, body)
	if err != nil {
		return nil, fmt.Errorf("calling pairing endpoint failed: %w", err)
	}
	defer resp.Body.Close()
	var pairing PairingResponse
	if err := decodeJSONResponse(resp, &pairing); err != nil {
		return nil, err
	}
	return &pairing, nil
}

func (c *Client) RegisterWithHostname(ctx context.Context, baseURL *url.URL, rootCert string, credentials Credentials, u uuid.UUID, hostName string) error {
	body, err := json.Marshal(map[string]string{
		"uuid":      u.String(),
		"host_name": hostName,
	})
	if err != nil {
		return fmt.Errorf("serialize registration body: %w", err)
	}
	return c.callRegistrationEndpoint(ctx, baseURL, "register_with_hostname", rootCert, credentials, body)
}

func (c *Client) RegisterWithAgentLabels(ctx context.Context, baseURL *url.URL, rootCert string, credentials Credentials, u uuid.UUID, agentLabels map[string]string) error {
	body, err := json.Marshal(map[string]any{
		"uuid":         u.String(),
		"agent_labels": agentLabels,
	})
	if err != nil {
		return fmt.Errorf("serialize registration body: %w", err)
	}
	return c.callRegistrationEndpoint(ctx, baseURL, "register_with_labels", rootCert, credentials, body)
}

func (c *Client) callRegistrationEndpoint(ctx context.Context, baseURL *url.URL, segment, rootCert string, credentials Credentials, body []byte) error {
	tlsCfg, err := registrationTLSConfig(rootCert)
	if err != nil {
		return err
	}
	endpoint, err := endpointURL(baseURL, segment)
	if err != nil {
		return err
	}
	resp, err := c.postJSON(ctx, tlsCfg, endpoint, &credentials, body)
	if err != nil {
		return fmt.Errorf("calling registration endpoint failed: %w", err)
	}
	defer resp.Body.Close()
	return checkResponseNoContent(resp)
}

func (c *Client) Status(ctx context.Context, baseURL *url.URL, connection *registry.TrustedConnection) (*StatusResponse, error) {
	tlsCfg, err := connectionTLSConfig(connection)
	if err != nil {
		return nil, err
	}
	endpoint, err := endpointURL(baseURL, "registration_status", connection.UUID.String())
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("construct status request: %w", err)
	}
	resp, err := c.httpClient(tlsCfg).Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling status endpoint failed: %w", err)
	}
	defer resp.Body.Close()
	var status StatusResponse
	if err := decodeJSONResponse(resp, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) RenewCertificate(ctx context.Context, baseURL *url.URL, connection *registry.TrustedConnection, csr string) (*RenewCertificateResponse, error) {
	tlsCfg, err := connectionTLSConfig(connection)
	if err != nil {
		return nil, err
	}
	endpoint, err := endpointURL(baseURL, "renew_certificate", connection.UUID.String())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"csr": csr})
	if err != nil {
		return nil, fmt.Errorf("serialize renewal body: %w", err)
	}
	resp, err := c.postJSON(ctx, tlsCfg, endpoint, nil, body)
	if err != nil {
		return nil, fmt.Errorf("calling renew_certificate endpoint failed: %w", err)
	}
	defer resp.Body.Close()
	var renewed RenewCertificateResponse
	if err := decodeJSONResponse(resp, &renewed); err != nil {
		return nil, err
	}
	return &renewed, nil
}

func (c *Client) AgentData(ctx context.Context, baseURL *url.URL, connection *registry.TrustedConnection, compression string, monitoringData []byte) error {
	tlsCfg, err := connectionTLSConfig(connection)
	if err != nil {
		return err
	}
	endpoint, err := endpointURL(baseURL, "agent_data", connection.UUID.String())
	if err != nil {
		return err
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	// The file name is required for the request to have the right
	// format; its value does not matter.
	part, err := writer.CreateFormFile("monitoring_data", "agent_data")
	if err != nil {
		return fmt.Errorf("build agent data form: %w", err)
	}
	if _, err := part.Write(monitoringData); err != nil {
		return fmt.Errorf("build agent data form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("build agent data form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &form)
	if err != nil {
		return fmt.Errorf("construct agent data request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("compression", compression)

	resp, err := c.httpClient(tlsCfg).Do(req)
	if err != nil {
		return fmt.Errorf("calling agent_data endpoint failed: %w", err)
	}
	defer resp.Body.Close()
	return checkResponseNoContent(resp)
}

func (c *Client) postJSON(ctx context.Context, tlsCfg *tls.Config, endpoint string, credentials *Credentials, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if credentials != nil {
		req.SetBasicAuth(credentials.Username, credentials.Password)
	}
	return c.httpClient(tlsCfg).Do(req)
}

// decodeJSONResponse expects a 200 response and unmarshals its body.
func decodeJSONResponse(resp *http.Response, target any) error {
	if resp.StatusCode != http.StatusOK {
		return errorResponseDescription(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("obtain response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("error parsing this response body: %s: %w", string(body), err)
	}
	return nil
}

// checkResponseNoContent expects a 204 response.
func checkResponseNoContent(resp *http.Response) error {
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errorResponseDescription(resp)
}

// errorResponseDescription turns a non-success response into an error,
// preferring the receiver's {"detail": ...} shape over the raw body.
func errorResponseDescription(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with code %s, could not obtain response body", resp.Status)
	}
	var detail struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
		return fmt.Errorf("request failed with code %s: %s", resp.Status, detail.Detail)
	}
	return fmt.Errorf("request failed with code %s: %s", resp.Status, strings.TrimSpace(string(body)))
}
