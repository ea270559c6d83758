package sitespec

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParsePort(t *testing.T) {
	if port, err := ParsePort("8999"); err != nil || port != 8999 {
		t.Errorf("ParsePort(8999) = %d, %v", port, err)
	}
	for _, bad := range []string{"kjgsdfljhg", "-10", "99999999999999999999", "65536"} {
		if _, err := ParsePort(bad); err == nil {
			t.Errorf("ParsePort(%q) should fail", bad)
		}
	}
}

func TestParseServerSpec(t *testing.T) {
	tests := []struct {
		input   string
		want    ServerSpec
		wantErr string
	}{
		{input: "1.2.3.4", want: ServerSpec{Server: "1.2.3.4"}},
		{input: "127.0.0.1^", wantErr: "not a valid IPv4 address or hostname"},
		{input: "1.2.3.4:40", want: ServerSpec{Server: "1.2.3.4", Port: 40, PortSet: true}},
		{input: "127.0.0.1^:4000", wantErr: "not a valid IPv4 address or hostname"},
		{input: "127.0.0.1:a", wantErr: "invalid port number"},
		{input: "host", want: ServerSpec{Server: "host"}},
		{input: "monitoring.server.com", want: ServerSpec{Server: "monitoring.server.com"}},
		{input: "-host", wantErr: "not a valid IPv4 address or hostname"},
		{input: "host:40", want: ServerSpec{Server: "host", Port: 40, PortSet: true}},
		{input: "monitoring.server.com:5678", want: ServerSpec{Server: "monitoring.server.com", Port: 5678, PortSet: true}},
		{input: "host:a", wantErr: "invalid port number"},
		{input: "[3a02:87b0:504::2]", want: ServerSpec{Server: "[3a02:87b0:504::2]"}},
		{input: "[3a02:8!b0:504::2]", wantErr: "not a valid IPv6 address"},
		{input: "[3a02:87b0:504::2%7]", wantErr: "scope identifiers"},
		{input: "[3a02:87b0:504::2]:19", want: ServerSpec{Server: "[3a02:87b0:504::2]", Port: 19, PortSet: true}},
		{input: "[3a02:8!b0:504::2]:19", wantErr: "not a valid IPv6 address"},
		{input: "[3a02:87b0:504::2]:a", wantErr: "invalid port number"},
		{input: "[3a02:87b0:504::2%7]:123", wantErr: "scope identifiers"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseServerSpec(tt.input)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("ParseServerSpec(%q) = %+v, want error containing %q", tt.input, got, tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %q, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseServerSpec(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseServerSpec(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSiteIDString(t *testing.T) {
	id := SiteID{Server: "my-server", Site: "my-site"}
	if id.String() != "my-server/my-site" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestParseSiteID(t *testing.T) {
	id, err := ParseSiteID("monitoring.server.com/awesome-site")
	if err != nil {
		t.Fatal(err)
	}
	if id.Server != "monitoring.server.com" || id.Site != "awesome-site" {
		t.Errorf("ParseSiteID = %+v", id)
	}

	for _, bad := range []string{
		"monitoring.server.com",
		"monitoring.server.com/awesome-site/too-much",
		"/site",
		"server/",
	} {
		if _, err := ParseSiteID(bad); err == nil {
			t.Errorf("ParseSiteID(%q) should fail", bad)
		}
	}
}

func TestSiteIDTextRoundTrip(t *testing.T) {
	id := SiteID{Server: "srv", Site: "alpha"}
	text, err := id.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var back SiteID
	if err := back.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if back != id {
		t.Errorf("round trip = %+v, want %+v", back, id)
	}
}

func TestSiteURL(t *testing.T) {
	u, err := SiteURL(SiteID{Server: "some-server", Site: "some-site"}, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if u.String() != "https://some-server:8000/some-site" {
		t.Errorf("SiteURL = %q", u)
	}
}

func TestDiscoverReceiverPort(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/check_mk/api/1.0/domain-types/internal/actions/discover-receiver/invoke") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "8010")
	}))
	defer ts.Close()

	// The test server speaks plain http; discovery falls back to it
	// after the https attempt fails.
	server := strings.TrimPrefix(ts.URL, "http://")
	port, err := DiscoverReceiverPort(context.Background(), SiteID{Server: server, Site: "central"}, false)
	if err != nil {
		t.Fatalf("DiscoverReceiverPort: %v", err)
	}
	if port != 8010 {
		t.Errorf("port = %d, want 8010", port)
	}
}
