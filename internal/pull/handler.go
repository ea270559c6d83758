package pull

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// tlsID is the two-byte tag written to the plaintext socket before the
// TLS handshake. Legacy clients that cannot speak the framed protocol
// see exactly this tag and a closed socket — an unambiguous "upgrade
// required" signal instead of a corrupted payload.
var tlsID = []byte("16")

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn, remote netip.Addr, mode Mode, acceptor *tls.Config, timeout time.Duration) error {
	defer conn.Close()
	if mode == ModePlain {
		return l.handleLegacyRequest(ctx, conn, remote, timeout)
	}
	return l.handleRequestWithTLS(ctx, conn, remote, acceptor, timeout)
}

// handleRequestWithTLS runs the framed transport: tag, handshake and
// output collection in parallel, then the compressed payload. Each phase
// is individually bounded by the connection timeout.
func (l *Listener) handleRequestWithTLS(ctx context.Context, conn net.Conn, remote netip.Addr, acceptor *tls.Config, timeout time.Duration) error {
	// Collect agent output concurrently with the handshake; the agent
	// read and the TLS round trips overlap.
	collectCtx, cancelCollect := context.WithTimeout(ctx, timeout)
	defer cancelCollect()

	type collected struct {
		data []byte
		err  error
	}
	outputCh := make(chan collected, 1)
	go func() {
		data, err := l.collector.EncodedOutput(collectCtx, remote)
		outputCh <- collected{data: data, err: err}
	}()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	if _, err := conn.Write(tlsID); err != nil {
		return fmt.Errorf("write transport tag: %w", err)
	}
	tlsConn := tls.Server(conn, acceptor)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}

	output := <-outputCh
	if output.err != nil {
		return fmt.Errorf("collect monitoring data: %w", output.err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := tlsConn.Write(output.data); err != nil {
		return fmt.Errorf("send monitoring data: %w", err)
	}
	if err := tlsConn.CloseWrite(); err != nil {
		return fmt.Errorf("shut down TLS stream: %w", err)
	}
	return tlsConn.Close()
}

// handleLegacyRequest serves raw agent output without tag, handshake or
// compression, under a single timeout.
func (l *Listener) handleLegacyRequest(ctx context.Context, conn net.Conn, remote netip.Addr, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	collectCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	data, err := l.collector.PlainOutput(collectCtx, remote)
	if err != nil {
		return fmt.Errorf("collect monitoring data: %w", err)
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send monitoring data: %w", err)
	}
	return nil
}
