package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/hostcourier/courier/internal/sitespec"
)

// On-disk shapes. Standard connections carry a receiver_port; imported
// ones do not. The presence of receiver_port is also what distinguishes
// the current format from the legacy one during load.

type diskStandard struct {
	UUID         string `json:"uuid"`
	PrivateKey   string `json:"private_key"`
	Certificate  string `json:"certificate"`
	RootCert     string `json:"root_cert"`
	ReceiverPort uint16 `json:"receiver_port"`
}

type diskImported struct {
	UUID        string `json:"uuid"`
	PrivateKey  string `json:"private_key"`
	Certificate string `json:"certificate"`
	RootCert    string `json:"root_cert"`
}

type diskEnvelope struct {
	Push         map[string]diskStandard `json:"push"`
	Pull         map[string]diskStandard `json:"pull"`
	PullImported []diskImported          `json:"pull_imported"`
}

// diskStandardIn is the lenient read-side twin of diskStandard: the
// pointer lets the loader tell a missing receiver_port (legacy format)
// from an explicit zero.
type diskStandardIn struct {
	UUID         string  `json:"uuid"`
	PrivateKey   string  `json:"private_key"`
	Certificate  string  `json:"certificate"`
	RootCert     string  `json:"root_cert"`
	ReceiverPort *uint16 `json:"receiver_port"`
}

type diskEnvelopeIn struct {
	Push         map[string]diskStandardIn `json:"push"`
	Pull         map[string]diskStandardIn `json:"pull"`
	PullImported []diskImported            `json:"pull_imported"`
}

func envelopeFromConnections(conns *registeredConnections) diskEnvelope {
	env := diskEnvelope{
		Push:         make(map[string]diskStandard, len(conns.Push)),
		Pull:         make(map[string]diskStandard, len(conns.Pull)),
		PullImported: make([]diskImported, 0, len(conns.PullImported)),
	}
	for siteID, conn := range conns.Push {
		env.Push[siteID.String()] = standardToDisk(conn)
	}
	for siteID, conn := range conns.Pull {
		env.Pull[siteID.String()] = standardToDisk(conn)
	}
	for _, conn := range conns.PullImported {
		env.PullImported = append(env.PullImported, diskImported{
			UUID:        conn.UUID.String(),
			PrivateKey:  conn.PrivateKey,
			Certificate: conn.Certificate,
			RootCert:    conn.RootCert,
		})
	}
	return env
}

func standardToDisk(conn *TrustedConnectionWithRemote) diskStandard {
	return diskStandard{
		UUID:         conn.UUID.String(),
		PrivateKey:   conn.PrivateKey,
		Certificate:  conn.Certificate,
		RootCert:     conn.RootCert,
		ReceiverPort: conn.ReceiverPort,
	}
}

// loadConnections reads and parses the registry file. A missing file is
// an empty registry. The current format is tried first; on failure the
// legacy format ("server:port/site" keys, no receiver_port) is attempted
// and reported via migrated so the caller can persist the converted
// document. A file that parses in neither format is an error — corrupt
// registries are never treated as empty.
func loadConnections(path string) (conns *registeredConnections, migrated bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		empty := newRegisteredConnections()
		return &empty, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read connection registry %s: %w", path, err)
	}

	conns, currentErr := parseCurrent(data)
	if currentErr == nil {
		return conns, false, nil
	}
	conns, legacyErr := parseLegacy(data)
	if legacyErr == nil {
		return conns, true, nil
	}
	return nil, false, fmt.Errorf(
		"load connection registry %s, both with current format (%v) and with legacy format: %w",
		path, currentErr, legacyErr,
	)
}

func parseCurrent(data []byte) (*registeredConnections, error) {
	var env diskEnvelopeIn
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	conns := newRegisteredConnections()
	for _, partition := range []struct {
		entries map[string]diskStandardIn
		target  map[sitespec.SiteID]*TrustedConnectionWithRemote
	}{
		{env.Push, conns.Push},
		{env.Pull, conns.Pull},
	} {
		for key, entry := range partition.entries {
			siteID, err := sitespec.ParseSiteID(key)
			if err != nil {
				return nil, err
			}
			if entry.ReceiverPort == nil {
				return nil, fmt.Errorf("connection %q has no receiver_port", key)
			}
			conn, err := trustFromDisk(diskImported{
				UUID:        entry.UUID,
				PrivateKey:  entry.PrivateKey,
				Certificate: entry.Certificate,
				RootCert:    entry.RootCert,
			})
			if err != nil {
				return nil, err
			}
			partition.target[siteID] = &TrustedConnectionWithRemote{
				TrustedConnection: *conn,
				ReceiverPort:      *entry.ReceiverPort,
			}
		}
	}
	imported, err := importedFromDisk(env.PullImported)
	if err != nil {
		return nil, err
	}
	conns.PullImported = imported
	return &conns, nil
}

func parseLegacy(data []byte) (*registeredConnections, error) {
	var env diskEnvelopeIn
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	conns := newRegisteredConnections()
	for _, partition := range []struct {
		entries map[string]diskStandardIn
		target  map[sitespec.SiteID]*TrustedConnectionWithRemote
	}{
		{env.Push, conns.Push},
		{env.Pull, conns.Pull},
	} {
		for key, entry := range partition.entries {
			siteID, port, err := parseLegacyCoordinates(key)
			if err != nil {
				return nil, err
			}
			conn, err := trustFromDisk(diskImported{
				UUID:        entry.UUID,
				PrivateKey:  entry.PrivateKey,
				Certificate: entry.Certificate,
				RootCert:    entry.RootCert,
			})
			if err != nil {
				return nil, err
			}
			partition.target[siteID] = &TrustedConnectionWithRemote{
				TrustedConnection: *conn,
				ReceiverPort:      port,
			}
		}
	}
	imported, err := importedFromDisk(env.PullImported)
	if err != nil {
		return nil, err
	}
	conns.PullImported = imported
	return &conns, nil
}

// parseLegacyCoordinates splits a legacy "server:port/site" key. The
// split happens at the last '/' and the last ':' so that bracketed IPv6
// server segments survive.
func parseLegacyCoordinates(key string) (sitespec.SiteID, uint16, error) {
	slash := strings.LastIndex(key, "/")
	if slash < 0 {
		return sitespec.SiteID{}, 0, fmt.Errorf("legacy key %q: failed to split into server address and site at '/'", key)
	}
	address, site := key[:slash], key[slash+1:]
	colon := strings.LastIndex(address, ":")
	if colon < 0 {
		return sitespec.SiteID{}, 0, fmt.Errorf("legacy key %q: failed to split into server and port at ':'", key)
	}
	port, err := sitespec.ParsePort(address[colon+1:])
	if err != nil {
		return sitespec.SiteID{}, 0, fmt.Errorf("legacy key %q: %w", key, err)
	}
	return sitespec.SiteID{Server: address[:colon], Site: site}, port, nil
}

func trustFromDisk(entry diskImported) (*TrustedConnection, error) {
	u, err := uuid.Parse(entry.UUID)
	if err != nil {
		return nil, fmt.Errorf("connection has invalid UUID %q: %w", entry.UUID, err)
	}
	return &TrustedConnection{
		UUID:        u,
		PrivateKey:  entry.PrivateKey,
		Certificate: entry.Certificate,
		RootCert:    entry.RootCert,
	}, nil
}

func importedFromDisk(entries []diskImported) ([]*TrustedConnection, error) {
	out := make([]*TrustedConnection, 0, len(entries))
	seen := make(map[uuid.UUID]bool)
	for _, entry := range entries {
		conn, err := trustFromDisk(entry)
		if err != nil {
			return nil, err
		}
		if seen[conn.UUID] {
			continue
		}
		seen[conn.UUID] = true
		out = append(out, conn)
	}
	return out, nil
}
