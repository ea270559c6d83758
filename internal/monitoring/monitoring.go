// Package monitoring reads output from the local monitoring agent and
// prepares it for transport. The agent is reached through a UNIX domain
// socket; the requesting site's IP is written first so the agent can
// emit IP-specific sections.
package monitoring

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
)

// CompressionZlib is the single-byte compression tag for zlib payloads
// in the pull wire framing.
const CompressionZlib byte = 0x01

// headerVersion is the fixed two-byte version prefix of framed output.
var headerVersion = []byte{0x00, 0x00}

// AgentChannel is the path of the local agent's UNIX domain socket.
type AgentChannel string

// Collect reads one complete chunk of monitoring output from the agent,
// attributed to remoteIP. The connection honours ctx for both dialing
// and reading.
func (c AgentChannel) Collect(ctx context.Context, remoteIP netip.Addr) ([]byte, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", string(c))
	if err != nil {
		return nil, fmt.Errorf("connect to agent channel %s: %w", c, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set agent channel deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(conn, "%s\n", remoteIP); err != nil {
		return nil, fmt.Errorf("send remote IP to agent channel: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close agent channel write side: %w", err)
		}
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read agent output: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("agent channel %s returned no data", c)
	}
	return data, nil
}

// Compress deflates data with zlib at default compression.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress monitoring data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress monitoring data: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode frames raw agent output for the TLS pull transport: the version
// bytes 0x00 0x00, the compression tag, then the zlib-compressed
// payload.
func Encode(raw []byte) ([]byte, error) {
	compressed, err := Compress(raw)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(headerVersion)+1+len(compressed))
	out = append(out, headerVersion...)
	out = append(out, CompressionZlib)
	out = append(out, compressed...)
	return out, nil
}

// Collector yields agent output in the two shapes the transports need.
// The pull listener and the push loop both depend on this interface so
// tests can substitute canned output.
type Collector interface {
	// PlainOutput returns the bytes exactly as the agent produced them.
	PlainOutput(ctx context.Context, remoteIP netip.Addr) ([]byte, error)
	// EncodedOutput returns the framed, compressed form.
	EncodedOutput(ctx context.Context, remoteIP netip.Addr) ([]byte, error)
}

// ChannelCollector is the production Collector backed by the agent
// channel.
type ChannelCollector struct {
	Channel AgentChannel
}

func (c ChannelCollector) PlainOutput(ctx context.Context, remoteIP netip.Addr) ([]byte, error) {
	return c.Channel.Collect(ctx, remoteIP)
}

func (c ChannelCollector) EncodedOutput(ctx context.Context, remoteIP netip.Addr) ([]byte, error) {
	raw, err := c.Channel.Collect(ctx, remoteIP)
	if err != nil {
		return nil, fmt.Errorf("collect monitoring data: %w", err)
	}
	return Encode(raw)
}
