package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ROki1988/learn-app-runner/internal/greet"
	"github.com/ROki1988/learn-app-runner/internal/headers"
	"github.com/ROki1988/learn-app-runner/internal/httpmw"
	"github.com/ROki1988/learn-app-runner/internal/log"
	"github.com/ROki1988/learn-app-runner/internal/xerrors"
)

// Layers returns the pipeline outermost first. Optional stages whose
// middleware is not configured keep their slot with a nil Wrap.
func Layers(opts *Options) []httpmw.Layer {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	policy := headers.Default()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	level := opts.CompressLevel
	if level == 0 {
		level = httpmw.DefaultCompressLevel
	}
	budget := opts.Timeout
	if budget <= 0 {
		budget = httpmw.DefaultTimeout
	}

	return []httpmw.Layer{
		{Name: "request-id", Wrap: httpmw.RequestID(httpmw.RequestIDHeader)},
		{Name: "client-ip", Wrap: httpmw.ClientIP(opts.ClientIPOpts)},
		{Name: "observe", Wrap: httpmw.Observe(httpmw.ObserveOptions{
			Logger:         L,
			Policy:         policy,
			TracerProvider: opts.TracerProvider,
			OnChunk:        opts.OnChunk,
		})},
		{Name: "metrics", Wrap: opts.MetricsMW},
		// inside observe so rejected requests still get a span and a finish record
		{Name: "rate-limit", Wrap: opts.RateLimitMW},
		{Name: "recover", Wrap: httpmw.Recover(L, opts.OnPanic)},
		{Name: "profile-labels", Wrap: opts.ProfileMW},
		{Name: "timeout", Wrap: httpmw.Timeout(budget, httpmw.TimeoutOptions{
			OnCommit: func(h http.Header, status int, n int64) {
				policy.FinalizeLength(h, status, n, true)
			},
			OnTimeout: func(r *http.Request, elapsed time.Duration) {
				if opts.OnTimeout != nil {
					opts.OnTimeout(r.Method)
				}
				logTimeout(r, budget, elapsed)
			},
		})},
		{Name: "compress", Wrap: httpmw.Compress(level)},
		{Name: "header-policy", Wrap: httpmw.HeaderPolicy(policy)},
	}
}

func logTimeout(r *http.Request, budget, elapsed time.Duration) {
	defer func() { _ = recover() }()
	ctx := r.Context()
	log.FromContext(ctx).Warn(ctx, "request timed out",
		"timeout", budget.String(),
		"latency_micro", elapsed.Microseconds(),
	)
}

// NewRouter returns the chi router with the configured routes. HEAD is
// served by the GET route with the body discarded.
func NewRouter(opts *Options) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	routes := opts.Routes
	if routes == nil {
		routes = greet.Routes
	}
	routes(r)
	return r
}

// NewHandler builds the full pipeline around the router.
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) http.Handler {
	return httpmw.Compose(httpmw.CaptureRoute(NewRouter(opts)), Layers(opts)...)
}

const (
	DefaultPort              = 3000
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	// outlasts httpmw.DefaultTimeout so a 408 can still be written
	DefaultWriteTimeout   = 15 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultMaxHeaderBytes = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start binds the public listener and serves in the background.
// Returns stop(ctx) for graceful shutdown; stop is safe to call repeatedly.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(opts.BindAddr, strconv.Itoa(port))

	layers := Layers(opts)
	srv := NewServer(addr, httpmw.Compose(httpmw.CaptureRoute(NewRouter(opts)), layers...))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	L.Info(ctx, "listening", "addr", ln.Addr().String(), "layers", httpmw.Names(layers))
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, DefaultWriteTimeout)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
