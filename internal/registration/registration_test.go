package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/hostcourier/courier/internal/receiver"
	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/sitespec"
)

const (
	testServer = "server"
	testPort   = 8000
	testSite   = "site"
	testHost   = "host"
	testUser   = "user"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testSiteID() sitespec.SiteID {
	return sitespec.SiteID{Server: testServer, Site: testSite}
}

func expectedURL(t *testing.T) string {
	t.Helper()
	u, err := sitespec.SiteURL(testSiteID(), testPort)
	if err != nil {
		t.Fatal(err)
	}
	return u.String()
}

func testAgentLabels() map[string]string {
	return map[string]string{"a": "b"}
}

// mockAPI asserts the calls the orchestrator makes against the
// receiver.
type mockAPI struct {
	t                      *testing.T
	expectRootCertForPair  bool
	expectHostNameCall     bool
	expectAgentLabelsCall  bool
	statusResponse         receiver.StatusResponse
	registeredWithHostName bool
	registeredWithLabels   bool
}

func (m *mockAPI) Pair(_ context.Context, baseURL *url.URL, rootCert string, csr string, _ receiver.Credentials) (*receiver.PairingResponse, error) {
	if baseURL.String() != expectedURL(m.t) {
		m.t.Errorf("pair URL = %s", baseURL)
	}
	if (rootCert != "") != m.expectRootCertForPair {
		m.t.Errorf("pair root cert present = %v, want %v", rootCert != "", m.expectRootCertForPair)
	}
	if csr == "" {
		m.t.Error("pair called without CSR")
	}
	return &receiver.PairingResponse{RootCert: "root_cert", ClientCert: "client_cert"}, nil
}

func (m *mockAPI) RegisterWithHostname(_ context.Context, baseURL *url.URL, _ string, _ receiver.Credentials, _ uuid.UUID, hostName string) error {
	if !m.expectHostNameCall {
		m.t.Error("unexpected host-name registration")
	}
	if baseURL.String() != expectedURL(m.t) {
		m.t.Errorf("register URL = %s", baseURL)
	}
	if hostName != testHost {
		m.t.Errorf("host name = %q", hostName)
	}
	m.registeredWithHostName = true
	return nil
}

func (m *mockAPI) RegisterWithAgentLabels(_ context.Context, baseURL *url.URL, _ string, _ receiver.Credentials, _ uuid.UUID, labels map[string]string) error {
	if !m.expectAgentLabelsCall {
		m.t.Error("unexpected agent-labels registration")
	}
	if baseURL.String() != expectedURL(m.t) {
		m.t.Errorf("register URL = %s", baseURL)
	}
	if labels["a"] != "b" {
		m.t.Errorf("labels = %v", labels)
	}
	m.registeredWithLabels = true
	return nil
}

func (m *mockAPI) Status(_ context.Context, baseURL *url.URL, _ *registry.TrustedConnection) (*receiver.StatusResponse, error) {
	if baseURL.String() != expectedURL(m.t) {
		m.t.Errorf("status URL = %s", baseURL)
	}
	resp := m.statusResponse
	return &resp, nil
}

// mockTrust asserts which prompts the orchestrator issues.
type mockTrust struct {
	t                  *testing.T
	expectCertPrompt   bool
	expectPasswordAsk  bool
	certPromptHappened bool
	passwordAsked      bool
}

func (m *mockTrust) PromptServerCertificate(_ context.Context, server string, port uint16) error {
	if !m.expectCertPrompt {
		m.t.Error("unexpected server certificate prompt")
	}
	if server != testServer || port != testPort {
		m.t.Errorf("prompt for %s:%d", server, port)
	}
	m.certPromptHappened = true
	return nil
}

func (m *mockTrust) PromptPassword(user string) (string, error) {
	if !m.expectPasswordAsk {
		m.t.Error("unexpected password prompt")
	}
	if user != testUser {
		m.t.Errorf("password prompt for %q", user)
	}
	m.passwordAsked = true
	return "password", nil
}

func connectionConfig(rootCert, password string, trustServerCert bool) *ConnectionConfig {
	return &ConnectionConfig{
		SiteID:          testSiteID(),
		ReceiverPort:    testPort,
		Username:        testUser,
		Password:        password,
		RootCertificate: rootCert,
		TrustServerCert: trustServerCert,
	}
}

func pullStatus() receiver.StatusResponse {
	host := testHost
	mode := registry.ModePull
	return receiver.StatusResponse{Hostname: &host, ConnectionMode: &mode}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load(filepath.Join(t.TempDir(), "registered_connections.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestPrepareRegistrationInteractiveTrust(t *testing.T) {
	api := &mockAPI{t: t, expectRootCertForPair: false}
	trust := &mockTrust{t: t, expectCertPrompt: true, expectPasswordAsk: true}

	_, pairing, err := prepareRegistration(context.Background(), connectionConfig("", "", false), api, trust, testLogger())
	if err != nil {
		t.Fatalf("prepareRegistration: %v", err)
	}
	if !trust.certPromptHappened || !trust.passwordAsked {
		t.Error("expected prompts did not happen")
	}
	if pairing.uuid == uuid.Nil || pairing.privateKey == "" {
		t.Error("pairing result incomplete")
	}
}

func TestPrepareRegistrationBlindTrust(t *testing.T) {
	api := &mockAPI{t: t, expectRootCertForPair: false}
	trust := &mockTrust{t: t, expectCertPrompt: false, expectPasswordAsk: false}

	_, _, err := prepareRegistration(context.Background(), connectionConfig("", "password", true), api, trust, testLogger())
	if err != nil {
		t.Fatalf("prepareRegistration: %v", err)
	}
}

func TestPrepareRegistrationRootCertFromConfig(t *testing.T) {
	api := &mockAPI{t: t, expectRootCertForPair: true}
	trust := &mockTrust{t: t, expectCertPrompt: false, expectPasswordAsk: false}

	_, _, err := prepareRegistration(context.Background(), connectionConfig("root_certificate", "password", false), api, trust, testLogger())
	if err != nil {
		t.Fatalf("prepareRegistration: %v", err)
	}
}

func TestPrepareRegistrationRootCertAndBlindTrust(t *testing.T) {
	// The configured root wins over blind trust; the password is still
	// prompted.
	api := &mockAPI{t: t, expectRootCertForPair: true}
	trust := &mockTrust{t: t, expectCertPrompt: false, expectPasswordAsk: true}

	_, _, err := prepareRegistration(context.Background(), connectionConfig("root_certificate", "", true), api, trust, testLogger())
	if err != nil {
		t.Fatalf("prepareRegistration: %v", err)
	}
}

func TestRegisterHostName(t *testing.T) {
	reg := testRegistry(t)
	api := &mockAPI{t: t, expectHostNameCall: true, statusResponse: pullStatus()}
	trust := &mockTrust{t: t, expectCertPrompt: true, expectPasswordAsk: true}

	err := RegisterHostName(context.Background(), connectionConfig("", "", false), testHost, reg, api, trust, testLogger())
	if err != nil {
		t.Fatalf("RegisterHostName: %v", err)
	}
	if !api.registeredWithHostName {
		t.Error("host-name endpoint was not called")
	}
	if reg.IsEmpty() {
		t.Fatal("registry still empty after registration")
	}
	pulls := reg.StandardPullConnections()
	if len(pulls) != 1 || pulls[0].SiteID != testSiteID() {
		t.Fatalf("pull connections = %+v", pulls)
	}
	if pulls[0].Connection.Certificate != "client_cert" || pulls[0].Connection.RootCert != "root_cert" {
		t.Errorf("stored trust material = %+v", pulls[0].Connection)
	}
	if pulls[0].Connection.ReceiverPort != testPort {
		t.Errorf("receiver port = %d", pulls[0].Connection.ReceiverPort)
	}

	// The registry was persisted.
	reloaded, err := registry.Load(reg.Path(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.IsEmpty() {
		t.Error("registration was not persisted")
	}
}

func TestRegisterHostNamePushMode(t *testing.T) {
	reg := testRegistry(t)
	host := testHost
	mode := registry.ModePush
	api := &mockAPI{t: t, expectHostNameCall: true,
		statusResponse: receiver.StatusResponse{Hostname: &host, ConnectionMode: &mode}}
	trust := &mockTrust{t: t, expectCertPrompt: false, expectPasswordAsk: false}

	err := RegisterHostName(context.Background(), connectionConfig("", "pw", true), testHost, reg, api, trust, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.PushConnections()) != 1 || len(reg.StandardPullConnections()) != 0 {
		t.Error("connection should land in the push partition")
	}
}

func TestRegisterAgentLabels(t *testing.T) {
	reg := testRegistry(t)
	api := &mockAPI{t: t, expectRootCertForPair: true, expectAgentLabelsCall: true, statusResponse: pullStatus()}
	trust := &mockTrust{t: t, expectCertPrompt: false, expectPasswordAsk: false}

	err := RegisterAgentLabels(context.Background(), connectionConfig("root_certificate", "password", false),
		testAgentLabels(), reg, api, trust, testLogger())
	if err != nil {
		t.Fatalf("RegisterAgentLabels: %v", err)
	}
	if !api.registeredWithLabels {
		t.Error("agent-labels endpoint was not called")
	}
	if reg.IsEmpty() {
		t.Error("registry still empty after registration")
	}
}

func TestRegistrationDeclined(t *testing.T) {
	reg := testRegistry(t)
	declined := receiver.HostStatusDeclined
	reason := "host already registered"
	api := &mockAPI{t: t, expectHostNameCall: true,
		statusResponse: receiver.StatusResponse{Status: &declined, Message: &reason}}
	trust := &mockTrust{t: t, expectCertPrompt: false, expectPasswordAsk: false}

	err := RegisterHostName(context.Background(), connectionConfig("", "pw", true), testHost, reg, api, trust, testLogger())
	if err == nil {
		t.Fatal("declined registration must fail")
	}
	if !reg.IsEmpty() {
		t.Error("declined registration must not touch the registry")
	}
}

func TestProxyRegister(t *testing.T) {
	api := &mockAPI{t: t, expectHostNameCall: true}
	trust := &mockTrust{t: t, expectCertPrompt: false, expectPasswordAsk: true}

	var out bytes.Buffer
	err := ProxyRegister(context.Background(), connectionConfig("", "", true), testHost, "2.0.1", api, trust, &out, testLogger())
	if err != nil {
		t.Fatalf("ProxyRegister: %v", err)
	}

	var data ProxyPullData
	if err := json.Unmarshal(out.Bytes(), &data); err != nil {
		t.Fatalf("proxy output is not JSON: %v\n%s", err, out.String())
	}
	if data.AgentControllerVersion != "2.0.1" {
		t.Errorf("version = %q", data.AgentControllerVersion)
	}
	if data.Connection.UUID == uuid.Nil || data.Connection.Certificate != "client_cert" {
		t.Errorf("connection = %+v", data.Connection)
	}
}

func TestImport(t *testing.T) {
	reg := testRegistry(t)
	u := uuid.New()
	doc, err := json.Marshal(&ProxyPullData{
		AgentControllerVersion: "2.0.1",
		Connection: registry.TrustedConnection{
			UUID: u, PrivateKey: "k", Certificate: "c", RootCert: "r",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := Import(reg, doc); err != nil {
		t.Fatalf("Import: %v", err)
	}
	imported := reg.ImportedPullConnections()
	if len(imported) != 1 || imported[0].UUID != u {
		t.Fatalf("imported = %+v", imported)
	}

	// Importing twice keeps set semantics.
	if err := Import(reg, doc); err != nil {
		t.Fatal(err)
	}
	if len(reg.ImportedPullConnections()) != 1 {
		t.Error("duplicate import must be a no-op")
	}

	if err := Import(reg, []byte("not json")); err == nil {
		t.Error("malformed import data must fail")
	}
	if err := Import(reg, []byte("{}")); err == nil {
		t.Error("import without a connection UUID must fail")
	}
}
