package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/hostcourier/courier/internal/metrics"
	"github.com/hostcourier/courier/internal/monitoring"
)

const (
	// idleWait is how long an inactive listener sleeps before checking
	// the registry again.
	idleWait = time.Minute
	// activityTimeout bounds a single accept. Deliberately not a round
	// five minutes, to decorrelate from common check intervals.
	activityTimeout = 330 * time.Second
)

// Listener serves monitoring data to sites that dial in on the pull
// port. One goroutine per connection; per-source-IP permits bound the
// fan-out; the registry file drives activation, identities and trust.
type Listener struct {
	state     *State
	collector monitoring.Collector
	log       *slog.Logger

	mu        sync.Mutex
	boundAddr net.Addr
}

// NewListener wires a listener to its pull state and agent collector.
func NewListener(state *State, collector monitoring.Collector, log *slog.Logger) *Listener {
	return &Listener{state: state, collector: collector, log: log}
}

// BoundAddr returns the address of the currently bound socket, or nil
// while inactive.
func (l *Listener) BoundAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAddr
}

func (l *Listener) setBoundAddr(addr net.Addr) {
	l.mu.Lock()
	l.boundAddr = addr
	l.mu.Unlock()
}

// Run is the outer listener loop. While inactive it polls the registry
// once a minute; once active it binds the port and accepts until the
// registry goes inactive again, then tears the socket down and returns
// to polling. A registry that fails to reload stops the listener — it is
// not likely to recover without operator action, and serving stale trust
// material is worse than stopping.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.state.Mode() == ModeInactive {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleWait):
			}
			if err := l.state.Refresh(); err != nil {
				return err
			}
			continue
		}
		l.log.Info("start listening for incoming pull requests")
		if err := l.acceptLoop(ctx); err != nil {
			return err
		}
	}
}

// bind opens the listening socket: dual-stack IPv6 first, IPv4 as the
// fallback. The socket allows address reuse on POSIX so a controller
// restart does not wait out TIME_WAIT, and demands exclusive use on
// Windows.
func (l *Listener) bind(ctx context.Context) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlSocket}

	ln, errV6 := lc.Listen(ctx, "tcp", fmt.Sprintf("[::]:%d", l.state.cfg.Port))
	if errV6 == nil {
		l.log.Info("listening for incoming pull connections (IPv6 & IPv4 if activated)", "addr", ln.Addr())
		return ln, nil
	}
	l.log.Info("failed to open IPv6 socket for pull connections, attempting with IPv4")
	ln, errV4 := lc.Listen(ctx, "tcp4", fmt.Sprintf("0.0.0.0:%d", l.state.cfg.Port))
	if errV4 == nil {
		l.log.Info("listening for incoming pull connections (IPv4)", "addr", ln.Addr())
		return ln, nil
	}
	return nil, fmt.Errorf("listen on TCP socket for incoming pull connections (IPv6: %v; IPv4: %v)", errV6, errV4)
}

func (l *Listener) acceptLoop(ctx context.Context) error {
	ln, err := l.bind(ctx)
	if err != nil {
		return err
	}
	defer ln.Close()
	defer l.setBoundAddr(nil)
	l.setBoundAddr(ln.Addr())

	// Unblock Accept when the daemon shuts down.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	guard := newMaxConnectionsGuard(l.state.cfg.MaxConnectionsPerIP)
	tcpLn := ln.(*net.TCPListener)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tcpLn.SetDeadline(time.Now().Add(activityTimeout)); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// No connection within the timeout: check whether
				// pull was deactivated meanwhile.
				if err := l.state.Refresh(); err != nil {
					return err
				}
				if l.state.Mode() == ModeInactive {
					l.log.Info("no pull connection registered, stop listening", "addr", ln.Addr())
					return nil
				}
				continue
			}
			l.log.Warn("failed accepting pull connection", "error", err)
			continue
		}

		remote := remoteIP(conn)
		if !IsAllowed(remote, l.state.cfg.AllowedIPs) {
			l.log.Warn("rejecting pull connection, IP is not allowed", "remote", remote)
			metrics.PullRejectedTotal.WithLabelValues("ip_not_allowed").Inc()
			conn.Close()
			continue
		}

		// Act on the most recent registration data.
		if err := l.state.Refresh(); err != nil {
			conn.Close()
			return err
		}
		if l.state.Mode() == ModeInactive {
			l.log.Info("no pull connection registered, closing current connection and stop listening")
			conn.Close()
			return nil
		}

		release, ok := guard.tryAcquire(remote)
		if !ok {
			l.log.Warn("too many active connections, rejecting", "remote", remote)
			metrics.PullRejectedTotal.WithLabelValues("too_many_connections").Inc()
			conn.Close()
			continue
		}

		mode, acceptor, timeout := l.state.Mode(), l.state.Acceptor(), l.state.Timeout()
		l.log.Debug("handling pull connection", "remote", remote)
		go func() {
			defer release()
			metrics.PullActiveConnections.Inc()
			defer metrics.PullActiveConnections.Dec()
			if err := l.handleConnection(ctx, conn, remote, mode, acceptor, timeout); err != nil {
				l.log.Warn("failed processing pull connection", "remote", remote, "error", err)
				metrics.PullConnectionsTotal.WithLabelValues("error").Inc()
				return
			}
			l.log.Debug("successfully processed pull connection", "remote", remote)
			metrics.PullConnectionsTotal.WithLabelValues("success").Inc()
		}()
	}
}

// remoteIP extracts the source address of a connection in canonical
// netip form.
func remoteIP(conn net.Conn) netip.Addr {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.AddrPort().Addr()
	}
	return netip.Addr{}
}
