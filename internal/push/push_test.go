package push

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/sitespec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeCollector struct {
	data []byte
	err  error
}

func (f *fakeCollector) PlainOutput(context.Context, netip.Addr) ([]byte, error) {
	return f.data, f.err
}

func (f *fakeCollector) EncodedOutput(context.Context, netip.Addr) ([]byte, error) {
	return nil, fmt.Errorf("push must not use encoded output")
}

type delivery struct {
	url         string
	uuid        uuid.UUID
	compression string
	data        []byte
}

type fakeSender struct {
	deliveries []delivery
	err        error
}

func (f *fakeSender) AgentData(_ context.Context, baseURL *url.URL, connection *registry.TrustedConnection, compression string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.deliveries = append(f.deliveries, delivery{
		url:         baseURL.String(),
		uuid:        connection.UUID,
		compression: compression,
		data:        data,
	})
	return nil
}

func testRegistry(t *testing.T, pushSites ...string) *registry.Registry {
	t.Helper()
	reg, err := registry.Load(filepath.Join(t.TempDir(), "registered_connections.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	for _, site := range pushSites {
		siteID, err := sitespec.ParseSiteID(site)
		if err != nil {
			t.Fatal(err)
		}
		reg.RegisterConnection(registry.ModePush, siteID, &registry.TrustedConnectionWithRemote{
			TrustedConnection: registry.TrustedConnection{
				UUID: uuid.New(), PrivateKey: "k", Certificate: "c", RootCert: "r",
			},
			ReceiverPort: 8000,
		})
	}
	if err := reg.Save(); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRunCycleDeliversToAllPushSites(t *testing.T) {
	reg := testRegistry(t, "srv/alpha", "srv/beta")
	sender := &fakeSender{}
	loop := &Loop{
		Registry:  reg,
		Collector: &fakeCollector{data: []byte("agent section data")},
		API:       sender,
		Interval:  time.Minute,
		Log:       testLogger(),
	}

	if err := loop.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if len(sender.deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(sender.deliveries))
	}

	first := sender.deliveries[0]
	if first.url != "https://srv:8000/alpha" {
		t.Errorf("delivery URL = %q", first.url)
	}
	if first.compression != "zlib" {
		t.Errorf("compression = %q", first.compression)
	}
	zr, err := zlib.NewReader(bytes.NewReader(first.data))
	if err != nil {
		t.Fatalf("payload is not zlib: %v", err)
	}
	decompressed, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(decompressed) != "agent section data" {
		t.Errorf("decompressed = %q", decompressed)
	}
}

func TestRunCycleNoPushSites(t *testing.T) {
	reg := testRegistry(t)
	collector := &fakeCollector{err: fmt.Errorf("agent unavailable")}
	loop := &Loop{Registry: reg, Collector: collector, API: &fakeSender{}, Interval: time.Minute, Log: testLogger()}

	// With no push sites the agent is never consulted, so the broken
	// collector must not surface.
	if err := loop.runCycle(context.Background()); err != nil {
		t.Errorf("runCycle without push sites: %v", err)
	}
}

func TestRunCycleCollectFailure(t *testing.T) {
	reg := testRegistry(t, "srv/alpha")
	loop := &Loop{
		Registry:  reg,
		Collector: &fakeCollector{err: fmt.Errorf("agent unavailable")},
		API:       &fakeSender{},
		Interval:  time.Minute,
		Log:       testLogger(),
	}
	if err := loop.runCycle(context.Background()); err == nil {
		t.Error("collect failure must surface from the cycle")
	}
}
