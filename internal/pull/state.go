package pull

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/tlsserver"
)

// Config is the pull listener's slice of the controller configuration.
type Config struct {
	Port                uint16
	AllowedIPs          []string
	ConnectionTimeout   time.Duration
	MaxConnectionsPerIP int
}

// Mode is what the listener currently serves.
type Mode int

const (
	// ModeInactive means no pull trust material and no legacy marker:
	// the port is not served at all.
	ModeInactive Mode = iota
	// ModeTLS serves framed, compressed output behind mutual TLS.
	ModeTLS
	// ModePlain serves raw output without TLS; opt-in via the legacy
	// marker file and only while the registry is empty.
	ModePlain
)

// State is the listener's cached view of the registry: the current mode
// and, in TLS mode, the acceptor built from the registered pull
// connections. Refresh keeps it in sync with the file on disk.
type State struct {
	reg *registry.Registry
	cfg Config
	log *slog.Logger

	mode         Mode
	acceptor     *tls.Config
	legacyActive bool
}

// NewState builds the initial state from the registry's current content.
func NewState(reg *registry.Registry, cfg Config, log *slog.Logger) (*State, error) {
	s := &State{reg: reg, cfg: cfg, log: log}
	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh re-reads the registry (cheap when the file's mtime is
// unchanged) and the legacy marker, rebuilding the mode and acceptor
// whenever the registry file was reloaded or the legacy marker state
// changed. Pull material is not compared, so a reload that changed only
// push connections rebuilds the acceptor as well.
func (s *State) Refresh() error {
	changed, err := s.reg.Refresh()
	if err != nil {
		return fmt.Errorf("refresh connection registry: %w", err)
	}
	if changed || s.legacyPullAllowed() != s.legacyActive {
		return s.rebuild()
	}
	return nil
}

// Mode returns the current connection mode.
func (s *State) Mode() Mode {
	return s.mode
}

// Acceptor returns the TLS acceptor; only meaningful in ModeTLS.
func (s *State) Acceptor() *tls.Config {
	return s.acceptor
}

// Timeout returns the per-phase connection timeout.
func (s *State) Timeout() time.Duration {
	return s.cfg.ConnectionTimeout
}

// legacyPullAllowed reports whether plaintext legacy pull is in force:
// the marker file exists and the registry holds no connections at all.
// A non-empty registry ignores the marker.
func (s *State) legacyPullAllowed() bool {
	return s.reg.IsEmpty() && s.reg.IsLegacyPullActive()
}

func (s *State) rebuild() error {
	s.legacyActive = s.legacyPullAllowed()
	if s.legacyActive {
		s.mode = ModePlain
		s.acceptor = nil
		return nil
	}
	pullConns := s.reg.PullConnections()
	if len(pullConns) == 0 {
		s.mode = ModeInactive
		s.acceptor = nil
		return nil
	}
	acceptor, err := tlsserver.NewAcceptor(pullConns)
	if err != nil {
		return fmt.Errorf("initialize TLS: %w", err)
	}
	s.mode = ModeTLS
	s.acceptor = acceptor
	return nil
}
