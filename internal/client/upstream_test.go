package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
)

func testConfig(timeoutSeconds int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:       timeoutSeconds,
			IdleConnections:      10,
			MaxRedirects:         5,
			AllowPrivateNetworks: true,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpstreamClient_Open(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "WhatsApp/2.0" {
			t.Errorf("User-Agent = %q, want %q", r.Header.Get("User-Agent"), "WhatsApp/2.0")
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), testLogger(), nil)

	header := http.Header{}
	header.Set("User-Agent", "WhatsApp/2.0")
	resp, err := c.Open(context.Background(), http.MethodGet, srv.URL+"/file.mp4", header)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("body = %q, want %q", string(body), "payload")
	}
}

func TestUpstreamClient_Open_FollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/share" {
			http.Redirect(w, r, "/direct", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("direct"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), testLogger(), nil)
	resp, err := c.Open(context.Background(), http.MethodGet, srv.URL+"/share", http.Header{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Request.URL.Path != "/direct" {
		t.Errorf("final path = %q, want %q", resp.Request.URL.Path, "/direct")
	}
}

func TestUpstreamClient_Open_RedirectLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), testLogger(), nil)
	_, err := c.Open(context.Background(), http.MethodGet, srv.URL+"/loop", http.Header{})
	if err == nil {
		t.Fatal("Open() expected error for redirect loop, got nil")
	}
}

func TestUpstreamClient_Open_Error(t *testing.T) {
	c := NewUpstreamClient(testConfig(1), testLogger(), nil)

	_, err := c.Open(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{})
	if err == nil {
		t.Fatal("Open() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_Open_FirstByteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewUpstreamClient(testConfig(10), testLogger(), nil)
	c.firstByteTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.Open(context.Background(), http.MethodGet, srv.URL+"/slow", http.Header{})
	if err == nil {
		t.Fatal("Open() expected timeout error, got nil")
	}
	if !errors.Is(err, ErrFirstByteTimeout) {
		t.Errorf("error = %v, want ErrFirstByteTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Open() took %v, want prompt cancellation", elapsed)
	}
}

func TestUpstreamClient_Open_TimeoutDoesNotCapBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), testLogger(), nil)
	c.firstByteTimeout = 50 * time.Millisecond

	resp, err := c.Open(context.Background(), http.MethodGet, srv.URL, http.Header{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "late" {
		t.Errorf("body = %q, want %q", string(body), "late")
	}
}

func TestUpstreamClient_Open_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(30), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Open(ctx, http.MethodGet, srv.URL+"/slow", http.Header{})
	if err == nil {
		t.Fatal("Open() expected error for canceled context, got nil")
	}
	if errors.Is(err, ErrFirstByteTimeout) {
		t.Errorf("error = %v, want plain cancellation", err)
	}
}

func TestUpstreamClient_BlocksPrivateNetworks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached a loopback origin despite the dial guard")
	}))
	defer srv.Close()

	cfg := testConfig(10)
	cfg.Upstream.AllowPrivateNetworks = false
	c := NewUpstreamClient(cfg, testLogger(), nil)

	_, err := c.Open(context.Background(), http.MethodGet, srv.URL, http.Header{})
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("Open() error = %v, want ErrBlockedAddress", err)
	}
}

func TestUpstreamClient_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewUpstreamClient(testConfig(10), testLogger(), m)

	resp, err := c.Open(context.Background(), http.MethodHead, srv.URL, http.Header{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = resp.Body.Close()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "media_relay_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == "HEAD" && labels["status_code"] == "404" {
				return
			}
		}
	}
	t.Error("expected media_relay_upstream_responses_total with method=HEAD, status_code=404")
}

func TestIsPublicAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"93.184.216.34", true},
		{"2606:2800:220:1:248:1893:25c8:1946", true},
		{"127.0.0.1", false},
		{"10.1.2.3", false},
		{"172.16.0.1", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"100.64.0.1", false},
		{"0.0.0.0", false},
		{"::1", false},
		{"fc00::1", false},
		{"::ffff:127.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := isPublicAddr(netip.MustParseAddr(tt.addr)); got != tt.want {
				t.Errorf("isPublicAddr(%s) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}
