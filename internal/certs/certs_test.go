package certs

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/hostcourier/courier/internal/certs/certtest"
)

func TestMakeCSR(t *testing.T) {
	const cn = "8a52ed96-1563-4836-bc75-0f0119248bb2"
	csrPEM, keyPEM, err := MakeCSR(cn)
	if err != nil {
		t.Fatalf("MakeCSR: %v", err)
	}

	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		t.Fatalf("CSR PEM block = %v", block)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatalf("parse CSR: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		t.Errorf("CSR signature invalid: %v", err)
	}
	if csr.Subject.CommonName != cn {
		t.Errorf("CSR CN = %q, want %q", csr.Subject.CommonName, cn)
	}
	// A CSR without extensions must be version 1, which is a raw
	// version value of 0 (RFC 2986). Registration calls with a
	// non-compliant CSR fail on the receiver side.
	if csr.Version != 0 {
		t.Errorf("CSR version = %d, want 0", csr.Version)
	}

	keyBlock, _ := pem.Decode([]byte(keyPEM))
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		t.Fatalf("key PEM block = %v", keyBlock)
	}
	if _, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes); err != nil {
		t.Errorf("key is not PKCS#8: %v", err)
	}
}

func TestCommonNameIsUUID(t *testing.T) {
	ca := certtest.New(t)

	uuidCert, _ := ca.Issue(t, "cf771eeb-b666-4673-95c9-683960fb2939", time.Hour)
	plainCert, _ := ca.Issue(t, "heute", time.Hour)

	parsed, err := ParseCertificatePEM(uuidCert)
	if err != nil {
		t.Fatal(err)
	}
	if !CommonNameIsUUID(parsed) {
		t.Error("UUID CN not detected")
	}

	parsed, err = ParseCertificatePEM(plainCert)
	if err != nil {
		t.Fatal(err)
	}
	if CommonNameIsUUID(parsed) {
		t.Error("plain CN misdetected as UUID")
	}
}

func TestParseCertificatePEMErrors(t *testing.T) {
	if _, err := ParseCertificatePEM("not pem at all"); err == nil {
		t.Error("garbage input should fail")
	}
	if _, err := ParseCertificatePEM("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"); err == nil {
		t.Error("invalid DER should fail")
	}
}

func TestClientTLSConfigVerification(t *testing.T) {
	ca := certtest.New(t)
	otherCA := certtest.New(t)

	okCert, _ := ca.Issue(t, "site-server", time.Hour)
	uuidCert, _ := ca.Issue(t, "cf771eeb-b666-4673-95c9-683960fb2939", time.Hour)
	foreignCert, _ := otherCA.Issue(t, "site-server", time.Hour)

	cfg, err := ClientTLSConfig(ca.CertPEM(), nil)
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}
	verify := cfg.VerifyPeerCertificate

	rawChain := func(certPEM string) [][]byte {
		block, _ := pem.Decode([]byte(certPEM))
		return [][]byte{block.Bytes}
	}

	if err := verify(rawChain(okCert), nil); err != nil {
		t.Errorf("cert from trusted root rejected: %v", err)
	}
	if err := verify(rawChain(uuidCert), nil); err == nil {
		t.Error("cert with UUID CN must be rejected")
	}
	if err := verify(rawChain(foreignCert), nil); err == nil {
		t.Error("cert from foreign root must be rejected")
	}
	if err := verify(nil, nil); err == nil {
		t.Error("missing cert must be rejected")
	}
}

func TestRootPool(t *testing.T) {
	ca := certtest.New(t)
	if _, err := RootPool(ca.CertPEM()); err != nil {
		t.Errorf("RootPool with valid root: %v", err)
	}
	if _, err := RootPool("junk"); err == nil {
		t.Error("RootPool with junk should fail")
	}
}

func TestTrimBrackets(t *testing.T) {
	tests := []struct{ in, want string }{
		{"[::1]", "::1"},
		{"::1", "::1"},
		{"host", "host"},
		{"[3a02:87b0:504::2]", "3a02:87b0:504::2"},
	}
	for _, tt := range tests {
		if got := trimBrackets(tt.in); got != tt.want {
			t.Errorf("trimBrackets(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
