package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		entries   []string
		wantCount int
	}{
		{"empty list", []string{}, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR range", []string{"10.0.0.0/8"}, 1},
		{"multiple entries", []string{"192.168.1.1", "10.0.0.0/8", "172.16.0.0/12"}, 3},
		{"with whitespace", []string{"  192.168.1.1  ", " 10.0.0.0/8 ", ""}, 2},
		{"invalid entries ignored", []string{"192.168.1.1", "invalid", "10.0.0.0/33"}, 1},
		{"IPv6", []string{"::1", "2001:db8::/32"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.entries, newTestLogger())
			if f.Count() != tt.wantCount {
				t.Errorf("Count() = %d, want %d", f.Count(), tt.wantCount)
			}
			if f.Enabled() != (tt.wantCount > 0) {
				t.Errorf("Enabled() = %v", f.Enabled())
			}
		})
	}
}

func TestParsePrefix(t *testing.T) {
	tests := []struct {
		entry string
		want  string
	}{
		{"192.168.1.1", "192.168.1.1/32"},
		{"10.1.2.3/8", "10.0.0.0/8"},
		{"::1", "::1/128"},
		{"::ffff:10.0.0.1", "10.0.0.1/32"},
	}

	for _, tt := range tests {
		got, err := ParsePrefix(tt.entry)
		if err != nil {
			t.Errorf("ParsePrefix(%q) error = %v", tt.entry, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParsePrefix(%q) = %s, want %s", tt.entry, got, tt.want)
		}
	}

	if _, err := ParsePrefix("nope"); err == nil {
		t.Error("ParsePrefix(nope) expected error")
	}
}

func TestAllows(t *testing.T) {
	f := New([]string{"192.168.1.100", "10.0.0.0/8", "::1", "fe80::/10"}, newTestLogger())

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"10.255.255.255", true},
		{"::ffff:10.1.1.1", true},
		{"11.0.0.1", false},
		{"::1", true},
		{"fe80::1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := f.Allows(netip.MustParseAddr(tt.ip)); got != tt.allowed {
				t.Errorf("Allows(%s) = %v, want %v", tt.ip, got, tt.allowed)
			}
		})
	}
}

func TestAllowsEmpty(t *testing.T) {
	f := New(nil, newTestLogger())
	if !f.Allows(netip.MustParseAddr("203.0.113.9")) {
		t.Error("empty filter should allow everyone")
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		remote string
		want   string
		ok     bool
	}{
		{"10.0.0.1:1234", "10.0.0.1", true},
		{"10.0.0.1", "10.0.0.1", true},
		{"[::1]:80", "::1", true},
		{"garbage", "", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote

		got, ok := ClientAddr(req)
		if ok != tt.ok {
			t.Errorf("ClientAddr(%q) ok = %v, want %v", tt.remote, ok, tt.ok)
			continue
		}
		if ok && got.String() != tt.want {
			t.Errorf("ClientAddr(%q) = %s, want %s", tt.remote, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	f := New([]string{"10.0.0.0/8"}, newTestLogger())
	handler := f.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		remote string
		want   int
	}{
		{"10.1.1.1:5000", http.StatusOK},
		{"192.168.1.1:5000", http.StatusForbidden},
		{"bogus", http.StatusForbidden},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/batches", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}
