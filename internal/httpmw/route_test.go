package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func TestCaptureRoute_RecordsPattern(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chi.URLParam(r, "name")))
	})

	var pattern string
	outer := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(WithRouteSlot(r.Context()))
		CaptureRoute(router).ServeHTTP(w, r)
		pattern = RouteFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	outer.ServeHTTP(rec, httptest.NewRequest("GET", "/alice", http.NoBody))

	if rec.Body.String() != "alice" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if pattern != "/{name}" {
		t.Fatalf("pattern = %q, want /{name}", pattern)
	}
}

func TestCaptureRoute_UnmatchedIsEmpty(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/debug/error", func(w http.ResponseWriter, r *http.Request) {})

	ctx := WithRouteSlot(context.Background())
	rec := httptest.NewRecorder()
	CaptureRoute(router).ServeHTTP(rec, httptest.NewRequest("GET", "/a/b/c", http.NoBody).WithContext(ctx))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := RouteFromContext(ctx); got != "" {
		t.Fatalf("pattern = %q, want empty", got)
	}
}

func TestWithRouteSlot_Idempotent(t *testing.T) {
	ctx := WithRouteSlot(context.Background())
	if WithRouteSlot(ctx) != ctx {
		t.Fatal("second WithRouteSlot should reuse the slot")
	}
	if RouteFromContext(context.Background()) != "" {
		t.Fatal("bare context should have no route")
	}
}

func TestCaptureRoute_SupportsGetHead(t *testing.T) {
	router := chi.NewRouter()
	router.Use(middleware.GetHead)
	router.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})

	ctx := WithRouteSlot(context.Background())
	rec := httptest.NewRecorder()
	CaptureRoute(router).ServeHTTP(rec, httptest.NewRequest("HEAD", "/alice", http.NoBody).WithContext(ctx))

	if rec.Code != http.StatusOK {
		t.Fatalf("HEAD status = %d, want 200", rec.Code)
	}
	if got := RouteFromContext(ctx); got != "/{name}" {
		t.Fatalf("pattern = %q, want /{name}", got)
	}
}
