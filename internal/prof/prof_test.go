package prof

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime/pprof"
	"strings"
	"testing"

	"github.com/ROki1988/learn-app-runner/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		opts Options
	}{
		{"zero options", context.Background(), Options{}},
		{"logger in context", log.WithContext(context.Background(), log.Nop()), Options{}},
		{"settings ignored", context.Background(), Options{
			BasicAuthUser:        "user",
			TenantID:             "tenant",
			Tags:                 map[string]string{"k": "v"},
			ProfileMutexFraction: 999,
			BlockProfileRate:     999,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active := false
			tt.opts.OnActive = func(bool) { active = true }
			stop, err := Start(tt.ctx, tt.opts)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			stop()
			stop()
			if active {
				t.Fatal("OnActive ran while profiling is disabled")
			}
		})
	}
}

func TestStart_MissingServerAddress(t *testing.T) {
	for _, opts := range []Options{
		{Enabled: true, AppName: "hello"},
		{Enabled: true, AppName: "hello", BasicAuthPassword: "token123", TenantID: "tenant456",
			Tags: map[string]string{"env": "test"}, ProfileMutexFraction: 5, BlockProfileRate: 1000},
	} {
		stop, err := Start(log.WithContext(context.Background(), log.Nop()), opts)
		if err == nil || !strings.Contains(err.Error(), "invalid server address") {
			t.Fatalf("err = %v, want invalid server address", err)
		}
		if stop == nil {
			t.Fatal("stop must be callable even when Start fails")
		}
		stop()
		stop()
	}
}

func TestStart_UnreachableServerStillStops(t *testing.T) {
	// the pyroscope client may connect lazily, so only the stop contract is checked
	stop, _ := Start(context.Background(), Options{
		Enabled:       true,
		ServerAddress: "http://localhost:0/nonexistent",
		AppName:       "hello",
	})
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
}

// Labels

func TestLabels_TagsRequestContext(t *testing.T) {
	var got string
	var ok bool
	h := Labels(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = pprof.Label(r.Context(), "http_method")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", http.NoBody))

	if !ok || got != http.MethodPost {
		t.Fatalf("http_method label = %q (present=%v), want POST", got, ok)
	}
}

func TestLabels_PassesResponseThrough(t *testing.T) {
	h := Labels(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
}

// pyroLogger

func TestPyroLogger_WritesThroughServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "hello", Writer: &buf, JsonFormat: true, Level: slog.LevelDebug})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}

	pl := pyroLogger{L: L}
	pl.Infof("uploading %d profiles", 3)
	pl.Debugf("tick")
	pl.Errorf("upload failed: %s", "timeout")

	out := buf.String()
	for _, want := range []string{"uploading 3 profiles", "tick", "upload failed: timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
