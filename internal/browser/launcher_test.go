package browser

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestDetectBrowserOverride(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })

	lookPath = func(name string) (string, error) {
		if name == "my-chrome" {
			return "/opt/my-chrome", nil
		}
		return "", errors.New("not found")
	}
	got, err := detectBrowser("my-chrome")
	if err != nil || got != "/opt/my-chrome" {
		t.Fatalf("detectBrowser(override) = %q, %v", got, err)
	}
	if _, err := detectBrowser("missing"); err == nil {
		t.Fatal("expected error for missing override")
	}
}

func TestArgs(t *testing.T) {
	l := NewLauncher(Config{CDPAddress: "127.0.0.1", CDPPort: 9333, ProfileDir: "/tmp/p", Headless: true})
	joined := strings.Join(l.args(), " ")
	for _, want := range []string{"--remote-debugging-port=9333", "--user-data-dir=/tmp/p", "--headless=new"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestLaunchSkipsWhenPortServed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	p, _ := strconv.Atoi(port)

	l := NewLauncher(Config{CDPAddress: host, CDPPort: p, Binary: "definitely-not-a-browser"})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatal("Running() = true; want false when port already served")
	}
	l.Stop()
}

func TestWaitForCDP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	p, _ := strconv.Atoi(port)

	l := NewLauncher(Config{CDPAddress: host, CDPPort: p, ReadyWithin: 2 * time.Second})
	if err := l.waitForCDP(context.Background()); err != nil {
		t.Fatalf("waitForCDP() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.waitForCDP(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("waitForCDP(cancelled) = %v; want context.Canceled", err)
	}
}
