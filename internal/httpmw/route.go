package httpmw

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

type routeKey struct{}

// routeSlot carries the matched route pattern from the router, which may run
// on the timeout layer's goroutine, back out to the outer layers.
type routeSlot struct {
	mu      sync.Mutex
	pattern string
}

// WithRouteSlot makes the context able to carry a route pattern back out. It
// is a no-op when one is already present.
func WithRouteSlot(ctx context.Context) context.Context {
	if _, ok := ctx.Value(routeKey{}).(*routeSlot); ok {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, &routeSlot{})
}

// RouteFromContext returns the pattern recorded by CaptureRoute, or "".
func RouteFromContext(ctx context.Context) string {
	s, ok := ctx.Value(routeKey{}).(*routeSlot)
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pattern
}

// CaptureRoute wraps a chi router so that the pattern it matches is visible
// to layers outside it.
func CaptureRoute(router http.Handler) http.Handler {
	routes, _ := router.(chi.Routes)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.NewRouteContext()
		// chi only fills Routes when it creates the context itself
		rctx.Routes = routes
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		router.ServeHTTP(w, r)

		if s, ok := r.Context().Value(routeKey{}).(*routeSlot); ok {
			s.mu.Lock()
			s.pattern = rctx.RoutePattern()
			s.mu.Unlock()
		}
	})
}
