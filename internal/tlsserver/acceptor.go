// Package tlsserver builds the TLS acceptor for the pull listener. The
// acceptor holds one server identity per registered pull connection and
// picks the identity whose UUID matches the SNI value a connecting site
// presents; the site's client certificate must chain to the root
// registered for exactly that identity.
package tlsserver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/hostcourier/courier/internal/certs"
	"github.com/hostcourier/courier/internal/registry"
)

// identity is one registered pull connection prepared for handshakes.
type identity struct {
	cert  tls.Certificate
	roots *x509.CertPool
}

// NewAcceptor builds a *tls.Config serving the given pull connections.
// It fails if conns is empty or if any connection's material does not
// parse — a connection that cannot be served must not be silently
// skipped.
func NewAcceptor(conns []*registry.TrustedConnection) (*tls.Config, error) {
	if len(conns) == 0 {
		return nil, fmt.Errorf("no pull connections to build a TLS acceptor from")
	}

	identities := make(map[string]*identity, len(conns))
	for _, conn := range conns {
		cert, err := conn.TLSIdentity()
		if err != nil {
			return nil, err
		}
		roots, err := conn.RootCertPool()
		if err != nil {
			return nil, err
		}
		identities[conn.UUID.String()] = &identity{cert: cert, roots: roots}
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			id, ok := identities[hello.ServerName]
			if !ok {
				return nil, fmt.Errorf("no registered connection for server name %q", hello.ServerName)
			}
			return configForIdentity(id), nil
		},
	}, nil
}

// configForIdentity builds the per-connection handshake config: present
// the identity's certificate, demand a client certificate, and verify it
// against the identity's own root. Host names in the client certificate
// are not checked — trust is carried by the root material — but a client
// CN that parses as a UUID is rejected, since that is the sentinel of a
// controller certificate rather than a site certificate.
func configForIdentity(id *identity) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{id.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyClientChain(rawCerts, id.roots)
		},
	}
}

func verifyClientChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("client presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse client certificate: %w", err)
	}
	if certs.CommonNameIsUUID(leaf) {
		return fmt.Errorf("CN in client certificate is a valid UUID: %s", leaf.Subject.CommonName)
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse intermediate certificate: %w", err)
		}
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return fmt.Errorf("client certificate does not chain to the registered root: %w", err)
	}
	return nil
}
