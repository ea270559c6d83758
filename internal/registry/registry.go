package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hostcourier/courier/internal/config"
	"github.com/hostcourier/courier/internal/metrics"
	"github.com/hostcourier/courier/internal/sitespec"
)

// registeredConnections are the three disjoint partitions of the registry.
// A site appears in at most one of push and pull; imported pull
// connections carry no site identity.
type registeredConnections struct {
	Push         map[sitespec.SiteID]*TrustedConnectionWithRemote
	Pull         map[sitespec.SiteID]*TrustedConnectionWithRemote
	PullImported []*TrustedConnection
}

func newRegisteredConnections() registeredConnections {
	return registeredConnections{
		Push:         make(map[sitespec.SiteID]*TrustedConnectionWithRemote),
		Pull:         make(map[sitespec.SiteID]*TrustedConnectionWithRemote),
		PullImported: []*TrustedConnection{},
	}
}

// Registry is the in-memory view of the registered connections file. It
// is not safe for concurrent use within one process; cross-process (and
// cross-task) synchronization happens through the file and its mtime via
// Refresh.
type Registry struct {
	connections registeredConnections
	path        string
	markerPath  string
	lastReload  *time.Time
	log         *slog.Logger
}

// Load reads the registry from path. A missing file yields an empty
// registry. A file in the legacy format (keys "server:port/site", no
// receiver_port per entry) is migrated and immediately re-saved in the
// current format. A file that parses in neither format is an error.
func Load(path string, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		connections: newRegisteredConnections(),
		path:        path,
		markerPath:  filepath.Join(filepath.Dir(path), config.LegacyPullMarkerFileName),
		log:         log,
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Refresh re-reads the registry from disk iff the file's mtime differs
// from the one observed at the last load, or the file has been created or
// removed since. It reports whether a reload happened.
func (r *Registry) Refresh() (bool, error) {
	now, err := mtime(r.path)
	if err != nil {
		return false, err
	}
	switch {
	case now == nil && r.lastReload == nil:
		return false, nil
	case now == nil || r.lastReload == nil || !now.Equal(*r.lastReload):
		// Covers creation, removal, and any mtime change including
		// negative deltas from clock adjustments.
		if err := r.reload(); err != nil {
			return false, err
		}
		metrics.RegistryReloadsTotal.Inc()
		return true, nil
	default:
		return false, nil
	}
}

// Save writes the current state as pretty-printed JSON. The whole buffer
// is written in one call so that concurrent readers observe either the
// prior or the new content, never a truncated intermediate.
func (r *Registry) Save() error {
	data, err := json.MarshalIndent(envelopeFromConnections(&r.connections), "", "  ")
	if err != nil {
		return fmt.Errorf("serialize connection registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		return fmt.Errorf("write connection registry %s: %w", r.path, err)
	}
	return nil
}

// RegisterConnection inserts a standard connection under the given mode
// and removes any entry for the same site from the opposite partition.
func (r *Registry) RegisterConnection(mode ConnectionMode, siteID sitespec.SiteID, conn *TrustedConnectionWithRemote) {
	insert, remove := r.connections.Push, r.connections.Pull
	if mode == ModePull {
		insert, remove = r.connections.Pull, r.connections.Push
	}
	delete(remove, siteID)
	insert[siteID] = conn
}

// RegisterImportedConnection adds a connection to the imported-pull
// partition. Entries are a set keyed by UUID: re-importing an existing
// UUID is a no-op. A UUID collision with a standard pull connection is
// allowed but logged.
func (r *Registry) RegisterImportedConnection(conn *TrustedConnection) {
	for _, existing := range r.connections.PullImported {
		if existing.UUID == conn.UUID {
			return
		}
	}
	for _, standard := range r.connections.Pull {
		if standard.UUID == conn.UUID {
			r.log.Warn("imported connection shares UUID with a standard pull connection", "uuid", conn.UUID)
		}
	}
	r.connections.PullImported = append(r.connections.PullImported, conn)
}

// DeleteStandardConnection removes one push or pull connection addressed
// by site ID or by UUID. It returns an error if nothing matches.
func (r *Registry) DeleteStandardConnection(ident string) error {
	if siteID, err := sitespec.ParseSiteID(ident); err == nil {
		if _, ok := r.connections.Push[siteID]; ok {
			delete(r.connections.Push, siteID)
			return nil
		}
		if _, ok := r.connections.Pull[siteID]; ok {
			delete(r.connections.Pull, siteID)
			return nil
		}
	}
	if u, err := uuid.Parse(ident); err == nil {
		for siteID, conn := range r.connections.Push {
			if conn.UUID == u {
				delete(r.connections.Push, siteID)
				return nil
			}
		}
		for siteID, conn := range r.connections.Pull {
			if conn.UUID == u {
				delete(r.connections.Pull, siteID)
				return nil
			}
		}
	}
	return fmt.Errorf("connection %q not found", ident)
}

// DeleteImportedConnection removes one imported connection addressed by
// UUID or by zero-based index.
func (r *Registry) DeleteImportedConnection(ident string) error {
	if u, err := uuid.Parse(ident); err == nil {
		for i, conn := range r.connections.PullImported {
			if conn.UUID == u {
				r.connections.PullImported = append(r.connections.PullImported[:i], r.connections.PullImported[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("imported pull connection with UUID %s not found", u)
	}
	idx, err := strconv.Atoi(ident)
	if err != nil || idx < 0 || idx >= len(r.connections.PullImported) {
		return fmt.Errorf("imported pull connection %q not found", ident)
	}
	r.connections.PullImported = append(r.connections.PullImported[:idx], r.connections.PullImported[idx+1:]...)
	return nil
}

// Clear empties all partitions. The legacy-pull marker file is not
// touched; listener deactivation additionally requires its absence.
func (r *Registry) Clear() {
	r.connections = newRegisteredConnections()
}

// --- Views ---

// StandardConnection pairs a site ID with its trust material for
// iteration.
type StandardConnection struct {
	SiteID     sitespec.SiteID
	Connection *TrustedConnectionWithRemote
}

// PushConnections returns the push partition sorted by site ID.
func (r *Registry) PushConnections() []StandardConnection {
	return sortedConnections(r.connections.Push)
}

// StandardPullConnections returns the pull partition sorted by site ID.
func (r *Registry) StandardPullConnections() []StandardConnection {
	return sortedConnections(r.connections.Pull)
}

// StandardConnections returns push then pull connections, each sorted by
// site ID. This is the set the renewal loop walks.
func (r *Registry) StandardConnections() []StandardConnection {
	return append(r.PushConnections(), r.StandardPullConnections()...)
}

// ImportedPullConnections returns the imported partition in insertion
// order.
func (r *Registry) ImportedPullConnections() []*TrustedConnection {
	out := make([]*TrustedConnection, len(r.connections.PullImported))
	copy(out, r.connections.PullImported)
	return out
}

// PullConnections returns the union of standard and imported pull trust
// material; this is what the TLS acceptor is built from.
func (r *Registry) PullConnections() []*TrustedConnection {
	out := make([]*TrustedConnection, 0, len(r.connections.Pull)+len(r.connections.PullImported))
	for _, sc := range r.StandardPullConnections() {
		out = append(out, &sc.Connection.TrustedConnection)
	}
	out = append(out, r.connections.PullImported...)
	return out
}

// Get returns the standard connection for a site ID, searching push then
// pull, or nil.
func (r *Registry) Get(siteID sitespec.SiteID) *TrustedConnectionWithRemote {
	if conn, ok := r.connections.Push[siteID]; ok {
		return conn
	}
	if conn, ok := r.connections.Pull[siteID]; ok {
		return conn
	}
	return nil
}

// RetrieveStandardByUUID returns the site ID of the standard connection
// with the given UUID, or false if none exists.
func (r *Registry) RetrieveStandardByUUID(u uuid.UUID) (sitespec.SiteID, bool) {
	for _, partition := range []map[sitespec.SiteID]*TrustedConnectionWithRemote{r.connections.Push, r.connections.Pull} {
		for siteID, conn := range partition {
			if conn.UUID == u {
				return siteID, true
			}
		}
	}
	return sitespec.SiteID{}, false
}

// PullIsEmpty reports whether neither standard nor imported pull
// connections exist.
func (r *Registry) PullIsEmpty() bool {
	return len(r.connections.Pull) == 0 && len(r.connections.PullImported) == 0
}

// PushIsEmpty reports whether no push connections exist.
func (r *Registry) PushIsEmpty() bool {
	return len(r.connections.Push) == 0
}

// IsEmpty reports whether all partitions are empty.
func (r *Registry) IsEmpty() bool {
	return r.PushIsEmpty() && r.PullIsEmpty()
}

// --- Legacy pull marker ---

// ActivateLegacyPull creates the marker file that allows serving
// plaintext agent output while the registry is empty.
func (r *Registry) ActivateLegacyPull() error {
	if err := os.WriteFile(r.markerPath, nil, 0600); err != nil {
		return fmt.Errorf("create legacy-pull marker %s: %w", r.markerPath, err)
	}
	return nil
}

// DeactivateLegacyPull removes the marker file if present.
func (r *Registry) DeactivateLegacyPull() error {
	if err := os.Remove(r.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove legacy-pull marker %s: %w", r.markerPath, err)
	}
	return nil
}

// IsLegacyPullActive reports whether the marker file exists. Only its
// existence is significant, not its content.
func (r *Registry) IsLegacyPullActive() bool {
	_, err := os.Stat(r.markerPath)
	return err == nil
}

// --- Internal ---

func (r *Registry) reload() error {
	connections, migrated, err := loadConnections(r.path)
	if err != nil {
		return err
	}
	r.connections = *connections
	if migrated {
		if err := r.Save(); err != nil {
			return fmt.Errorf("save migrated connection registry: %w", err)
		}
		r.log.Info("migrated legacy connection registry", "path", r.path)
	}
	last, err := mtime(r.path)
	if err != nil {
		return err
	}
	r.lastReload = last
	return nil
}

func mtime(path string) (*time.Time, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	t := info.ModTime()
	return &t, nil
}

func sortedConnections(m map[sitespec.SiteID]*TrustedConnectionWithRemote) []StandardConnection {
	out := make([]StandardConnection, 0, len(m))
	for siteID, conn := range m {
		out = append(out, StandardConnection{SiteID: siteID, Connection: conn})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SiteID.String() < out[j].SiteID.String()
	})
	return out
}
