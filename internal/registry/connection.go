// Package registry implements the durable store of per-site trust
// material. Connections are partitioned into push, pull and imported-pull
// and persisted as a single pretty-printed JSON document; concurrent
// readers in other processes pick up changes through the file's mtime.
package registry

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/google/uuid"
)

// ConnectionMode distinguishes who initiates the transport for a site.
// The wire values match what the receiver API reports.
type ConnectionMode string

const (
	ModePush ConnectionMode = "push-agent"
	ModePull ConnectionMode = "pull-agent"
)

// ParseConnectionMode validates a mode string from the receiver API.
func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch ConnectionMode(s) {
	case ModePush:
		return ModePush, nil
	case ModePull:
		return ModePull, nil
	}
	return "", fmt.Errorf("unknown connection mode %q", s)
}

// TrustedConnection is the immutable trust tuple for one registration:
// the controller's UUID, its private key and client certificate, and the
// site's root certificate. The PEM fields are opaque strings here; they
// are only interpreted when building TLS material.
type TrustedConnection struct {
	UUID        uuid.UUID `json:"uuid"`
	PrivateKey  string    `json:"private_key"`
	Certificate string    `json:"certificate"`
	RootCert    string    `json:"root_cert"`
}

// TLSIdentity builds the client/server certificate for TLS handshakes
// from the stored PEM material.
func (c *TrustedConnection) TLSIdentity() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair([]byte(c.Certificate), []byte(c.PrivateKey))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load TLS identity for %s: %w", c.UUID, err)
	}
	return cert, nil
}

// RootCertPool returns a pool containing the site's root certificate.
func (c *TrustedConnection) RootCertPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(c.RootCert)) {
		return nil, fmt.Errorf("no usable root certificate for %s", c.UUID)
	}
	return pool, nil
}

// TrustedConnectionWithRemote is a standard (non-imported) connection,
// which also knows the receiver port it was registered against.
type TrustedConnectionWithRemote struct {
	TrustedConnection
	ReceiverPort uint16 `json:"receiver_port"`
}
