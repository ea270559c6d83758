// Package sitespec parses the identifiers that name a monitoring site:
// the "server/site" site ID used as registry key and the "server[:port]"
// server spec accepted on the command line. It also discovers the site's
// receiver port from the REST API when none is given.
package sitespec

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// ParsePort parses a decimal port number in the range 0 - 65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port number %q: not an integer in the range 0 - 65535", s)
	}
	return uint16(n), nil
}

// ServerSpec is a server address with an optional port: an IPv4 literal,
// a bracketed IPv6 literal, or a host name. IPv6 literals keep their
// square brackets so URLs can be built from the server string directly.
type ServerSpec struct {
	Server string
	Port   uint16
	// PortSet reports whether a port was given; 0 is a valid port value.
	PortSet bool
}

// ParseServerSpec parses "server", "server:port", "[v6]" or "[v6]:port".
// IPv6 scope identifiers are rejected.
func ParseServerSpec(s string) (ServerSpec, error) {
	if strings.HasPrefix(s, "[") {
		return parseIPv6Spec(s)
	}
	server, portStr, found := cutLast(s, ':')
	if !found {
		if err := validateIPv4OrHostname(s); err != nil {
			return ServerSpec{}, err
		}
		return ServerSpec{Server: s}, nil
	}
	if err := validateIPv4OrHostname(server); err != nil {
		return ServerSpec{}, err
	}
	port, err := ParsePort(portStr)
	if err != nil {
		return ServerSpec{}, err
	}
	return ServerSpec{Server: server, Port: port, PortSet: true}, nil
}

func parseIPv6Spec(s string) (ServerSpec, error) {
	end := strings.LastIndex(s, "]")
	if end < 0 {
		return ServerSpec{}, fmt.Errorf("%q is not a valid IPv6 address", s)
	}
	lit := s[1:end]
	addr, err := netip.ParseAddr(lit)
	if err != nil || !addr.Is6() {
		return ServerSpec{}, fmt.Errorf("%q is not a valid IPv6 address", s)
	}
	if addr.Zone() != "" {
		return ServerSpec{}, fmt.Errorf("IPv6 scope identifiers are currently unsupported")
	}
	rest := s[end+1:]
	if rest == "" {
		return ServerSpec{Server: "[" + lit + "]"}, nil
	}
	if !strings.HasPrefix(rest, ":") {
		return ServerSpec{}, fmt.Errorf("%q is not a valid IPv6 address with port", s)
	}
	port, err := ParsePort(rest[1:])
	if err != nil {
		return ServerSpec{}, err
	}
	return ServerSpec{Server: "[" + lit + "]", Port: port, PortSet: true}, nil
}

func validateIPv4OrHostname(s string) error {
	if addr, err := netip.ParseAddr(s); err == nil && addr.Is4() {
		return nil
	}
	if isValidHostname(s) {
		return nil
	}
	return fmt.Errorf("%q is not a valid IPv4 address or hostname", s)
}

// isValidHostname applies RFC 1123 rules: dot-separated labels of letters,
// digits and hyphens, no label starting or ending with a hyphen, at most
// 253 characters overall.
func isValidHostname(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// cutLast splits s at the last occurrence of sep.
func cutLast(s string, sep byte) (before, after string, found bool) {
	idx := strings.LastIndexByte(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+1:], true
}

// SiteID identifies a monitoring site: a server plus a site name,
// rendered as "server/site".
type SiteID struct {
	Server string
	Site   string
}

// ParseSiteID parses the exact "server/site" shape; any other split is an
// error.
func ParseSiteID(s string) (SiteID, error) {
	components := strings.Split(s, "/")
	if len(components) != 2 || components[0] == "" || components[1] == "" {
		return SiteID{}, fmt.Errorf("failed to split %q into server and site at '/'", s)
	}
	return SiteID{Server: components[0], Site: components[1]}, nil
}

func (id SiteID) String() string {
	return id.Server + "/" + id.Site
}

// MarshalText renders the site ID for use as a JSON object key.
func (id SiteID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a JSON object key back into a site ID.
func (id *SiteID) UnmarshalText(text []byte) error {
	parsed, err := ParseSiteID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SiteURL builds the base URL of a site's receiver endpoint.
func SiteURL(id SiteID, port uint16) (*url.URL, error) {
	u, err := url.Parse(fmt.Sprintf("https://%s:%d/%s", id.Server, port, id.Site))
	if err != nil {
		return nil, fmt.Errorf("construct URL from %s with port %d: %w", id, port, err)
	}
	return u, nil
}

// DiscoverReceiverPort asks the site's REST API which port the agent
// receiver listens on, trying https first and falling back to http.
func DiscoverReceiverPort(ctx context.Context, id SiteID, validateAPICert bool) (uint16, error) {
	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: !validateAPICert, //nolint:gosec // operator opt-out
				MinVersion:         tls.VersionTLS12,
			},
		},
	}
	var lastErr error
	for _, protocol := range []string{"https", "http"} {
		port, err := discoverWithProtocol(ctx, client, id, protocol)
		if err == nil {
			return port, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("discover agent receiver port from REST API, both with https and http: %w", lastErr)
}

func discoverWithProtocol(ctx context.Context, client *http.Client, id SiteID, protocol string) (uint16, error) {
	u := fmt.Sprintf(
		"%s://%s/%s/check_mk/api/1.0/domain-types/internal/actions/discover-receiver/invoke",
		protocol, id.Server, id.Site,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("construct discovery request for %s: %w", u, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("discover agent receiver port from %s: %w", u, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read discovery response from %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("discover agent receiver port from %s: status %s", u, resp.Status)
	}
	return ParsePort(strings.TrimSpace(string(body)))
}
