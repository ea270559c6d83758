// Package certs holds the X.509 plumbing shared by registration, the
// receiver client, the renewal loop and the pull-side TLS acceptor: CSR
// generation, PEM parsing, the CN-is-UUID sentinel check, and client TLS
// configurations for talking to the receiver.
package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// rsaKeyBits is the key size for freshly generated controller identities.
const rsaKeyBits = 2048

// MakeCSR generates a new RSA key pair and a PKCS#10 certificate signing
// request whose Subject CN is cn. The request carries no extensions, so
// it is a version-1 CSR as the receiver requires. The private key is
// returned as PKCS#8 PEM.
func MakeCSR(cn string) (csrPEM, keyPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", "", fmt.Errorf("generate key pair: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return "", "", fmt.Errorf("create csr: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}

	csrPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	return csrPEM, keyPEM, nil
}

// ParseCertificatePEM parses the first PEM block of certPEM as an X.509
// certificate.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("input data does not contain a PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// CommonNameIsUUID reports whether the certificate's Subject CN parses as
// a UUID. Controller certificates always carry their UUID as CN, so a
// UUID-shaped CN on the peer side marks a certificate from this very
// agent rather than from a site.
func CommonNameIsUUID(cert *x509.Certificate) bool {
	_, err := uuid.Parse(cert.Subject.CommonName)
	return err == nil
}

// RootPool builds a certificate pool from one or more root cert PEMs.
func RootPool(rootPEMs ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, rootPEM := range rootPEMs {
		if !pool.AppendCertsFromPEM([]byte(rootPEM)) {
			return nil, fmt.Errorf("no usable certificate in root cert PEM")
		}
	}
	return pool, nil
}

// ClientTLSConfig builds the TLS configuration for connections to the
// receiver. The server certificate must chain to serverRootPEM and its
// CN must not be a UUID; host-name verification is intentionally
// disabled because sites are routinely addressed by IP or alias — trust
// is carried by the root material. identity, when non-nil, is presented
// for mutual TLS.
func ClientTLSConfig(serverRootPEM string, identity *tls.Certificate) (*tls.Config, error) {
	roots, err := RootPool(serverRootPEM)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		// Verification happens in VerifyPeerCertificate below; the
		// built-in verifier would enforce host names.
		InsecureSkipVerify: true, //nolint:gosec // custom verifier below
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyServerChain(rawCerts, roots)
		},
	}
	if identity != nil {
		cfg.Certificates = []tls.Certificate{*identity}
	}
	return cfg, nil
}

// InsecureClientTLSConfig accepts any server certificate. Used during
// pairing when the operator explicitly chose to trust the server, or
// before trust is established at all.
func InsecureClientTLSConfig(identity *tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // explicit operator choice
		MinVersion:         tls.VersionTLS12,
	}
	if identity != nil {
		cfg.Certificates = []tls.Certificate{*identity}
	}
	return cfg
}

func verifyServerChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("server presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse server certificate: %w", err)
	}
	if CommonNameIsUUID(leaf) {
		return fmt.Errorf("CN in server certificate is a valid UUID: %s", leaf.Subject.CommonName)
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse intermediate certificate: %w", err)
		}
		intermediates.AddCert(cert)
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("server certificate does not chain to the configured root: %w", err)
	}
	return nil
}

// FetchServerCertPEM connects to server:port, performs a TLS handshake
// without verification, and returns the leaf certificate as PEM. Used to
// show the operator what they are about to trust.
func FetchServerCertPEM(ctx context.Context, server string, port uint16) (string, error) {
	dialer := &tls.Dialer{
		Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // fetching for display only
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(trimBrackets(server), fmt.Sprintf("%d", port)))
	if err != nil {
		return "", fmt.Errorf("fetch server certificate from %s, port %d: %w", server, port, err)
	}
	defer conn.Close()

	peerCerts := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		return "", fmt.Errorf("server %s, port %d presented no certificate", server, port)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: peerCerts[0].Raw})), nil
}

// RenderValidity formats a certificate validity window for display.
func RenderValidity(cert *x509.Certificate) string {
	return fmt.Sprintf("from %s to %s",
		cert.NotBefore.Format(time.RFC1123), cert.NotAfter.Format(time.RFC1123))
}

// trimBrackets strips the square brackets from a bracketed IPv6 literal
// so it can be passed to net.JoinHostPort, which adds its own.
func trimBrackets(server string) string {
	if len(server) >= 2 && server[0] == '[' && server[len(server)-1] == ']' {
		return server[1 : len(server)-1]
	}
	return server
}
