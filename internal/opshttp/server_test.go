package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ROki1988/learn-app-runner/internal/health"
	"github.com/ROki1988/learn-app-runner/internal/log"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// adminGet serves path through NewHandler as a loopback peer.
func adminGet(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, http.NoBody)
	req.RemoteAddr = "127.0.0.1:40000"
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_Routes(t *testing.T) {
	promText := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "http_timeouts_total 0\n")
	})
	tests := []struct {
		name     string
		opts     Options
		path     string
		want     int
		wantBody string
	}{
		{"healthy", Options{Health: health.Fixed(true, "")}, "/-/healthy", 200, "ok"},
		{"unhealthy", Options{Health: health.Fixed(false, "logger stalled")}, "/-/healthy", 503, "logger stalled"},
		{"ready", Options{Readiness: health.Fixed(true, "")}, "/-/ready", 200, "ready"},
		{"not ready", Options{Readiness: health.Fixed(false, "dial 0.0.0.0:3000: connection refused")}, "/-/ready", 503, "connection refused"},
		{"nil probes pass", Options{}, "/-/ready", 200, "ready"},
		{"metrics", Options{Metrics: promText}, "/metrics", 200, "http_timeouts_total"},
		{"no metrics handler", Options{}, "/metrics", 404, ""},
		{"pprof index", Options{EnablePprof: true}, "/debug/pprof/", 200, "heap"},
		{"pprof cmdline", Options{EnablePprof: true}, "/debug/pprof/cmdline", 200, ""},
		{"pprof off", Options{}, "/debug/pprof/", 404, ""},
		{"unknown path", Options{}, "/hello", 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			rec := adminGet(NewHandler(log.Nop(), &opts), tt.path)
			if rec.Code != tt.want {
				t.Fatalf("GET %s: status = %d, want %d", tt.path, rec.Code, tt.want)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("GET %s: body = %q, want it to contain %q", tt.path, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestNewHandler_ReadinessFollowsDrainGate(t *testing.T) {
	var gate health.ShutdownGate
	h := NewHandler(log.Nop(), &Options{Readiness: health.All(gate.Probe(), health.Fixed(true, ""))})

	if rec := adminGet(h, "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("before drain: status = %d, want 200", rec.Code)
	}
	gate.Set("draining")
	rec := adminGet(h, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining: status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "draining") {
		t.Fatalf("draining: body = %q, want the gate reason", rec.Body.String())
	}
}

func TestNewHandler_RecoversPanic(t *testing.T) {
	panics := 0
	h := NewHandler(log.Nop(), &Options{
		Health:  health.CheckFunc(func(context.Context) error { panic("probe exploded") }),
		OnPanic: func() { panics++ },
	})

	if rec := adminGet(h, "/-/healthy"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic called %d times, want 1", panics)
	}
}

func TestNewHandler_GuardsBeforeRouting(t *testing.T) {
	h := NewHandler(log.Nop(), &Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("metrics handler should not be called for a public peer")
	})})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	req.RemoteAddr = "8.8.8.8:443"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestNewHandler_ProbesAreNotCached(t *testing.T) {
	rec := adminGet(NewHandler(log.Nop(), &Options{}), "/-/ready")
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", got)
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[fe80::1]:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", http.StatusOK},
		{"8.8.8.8:12345", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[2001:db8::1]:443", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			reached := false
			h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				reached = true
				w.WriteHeader(http.StatusOK)
			}))

			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/-/ready", http.NoBody)
			req.RemoteAddr = tt.remote
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if reached != (tt.want == http.StatusOK) {
				t.Fatalf("handler reached = %v for status %d", reached, tt.want)
			}
		})
	}
}

func TestStart_ServesUntilStopped(t *testing.T) {
	port := freePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), &Options{BindAddr: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := stop(shutdownCtx); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("admin listener still accepting after stop")
	}
}

func TestStart_PortInUse(t *testing.T) {
	port := freePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), &Options{BindAddr: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop(ctx)

	_, err = Start(ctx, log.Nop(), &Options{BindAddr: "127.0.0.1", Port: port})
	if err == nil || !strings.Contains(err.Error(), "could not listen for admin port") {
		t.Fatalf("err = %v, want a listen error", err)
	}
}
