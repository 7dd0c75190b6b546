package httpmw

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ROki1988/learn-app-runner/internal/headers"
	"github.com/ROki1988/learn-app-runner/internal/log"
)

// SpanName names the per-request span until the matched route is known.
const SpanName = "http-request"

type ObserveOptions struct {
	Logger log.Logger
	// Policy masks request headers before they are logged.
	Policy         headers.Policy
	TracerProvider trace.TracerProvider
	Propagators    propagation.TextMapPropagator
	// OnChunk runs once per body chunk handed to the client connection.
	OnChunk func(n int)
}

// Observe opens one span per request and logs its lifecycle against it: a
// start record with the masked request headers, one record and span event
// per body chunk, and a finish record on every completion path. Logging
// failures are discarded.
func Observe(opts ObserveOptions) Middleware {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	otelOpts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(string, *http.Request) string { return SpanName }),
	}
	if opts.TracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(opts.TracerProvider))
	}
	if opts.Propagators != nil {
		otelOpts = append(otelOpts, otelhttp.WithPropagators(opts.Propagators))
	}

	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(&observer{next: next, opts: opts}, SpanName, otelOpts...)
	}
}

type observer struct {
	next http.Handler
	opts ObserveOptions
}

func (o *observer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := WithRouteSlot(r.Context())
	span := trace.SpanFromContext(ctx)
	spanID := spanIdentifier(ctx)

	L := o.opts.Logger.With(
		"span_id", spanID,
		"request_id", RequestIDFromContext(ctx),
		"http.request.method", r.Method,
		"url.path", r.URL.Path,
		"client.address", ClientIPFromContext(ctx),
	)
	ctx = log.WithContext(ctx, L)
	logSafely(func() {
		L.Info(ctx, "http request started", "http.request.header", o.opts.Policy.Redact(r.Header))
	})

	cw := &chunkWriter{
		ResponseWriter: w,
		ctx:            ctx,
		log:            L,
		span:           span,
		start:          start,
		onChunk:        o.opts.OnChunk,
	}

	defer func() {
		rec := recover()
		status := cw.status
		if status == 0 {
			status = http.StatusOK
			if rec != nil {
				status = http.StatusInternalServerError
			}
		}

		route := RouteFromContext(ctx)
		if route != "" {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		latency := time.Since(start)
		logSafely(func() {
			L.Info(ctx, "http request finished",
				"http.response.status_code", status,
				"http.route", route,
				"latency_micro", latency.Microseconds(),
				"http.response.body.size", cw.bytes,
				"body_chunks", cw.chunks,
			)
		})

		if rec != nil {
			panic(rec)
		}
	}()

	o.next.ServeHTTP(cw, r.WithContext(ctx))
}

// spanIdentifier prefers the span ID of the local span, falling back to the
// request ID so every record still correlates when tracing is off.
func spanIdentifier(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() && !sc.IsRemote() {
		return sc.SpanID().String()
	}
	if id := RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// chunkWriter records each write that reaches the client connection.
type chunkWriter struct {
	http.ResponseWriter
	ctx     context.Context
	log     log.Logger
	span    trace.Span
	start   time.Time
	onChunk func(n int)

	status int
	bytes  int64
	chunks int
}

func (cw *chunkWriter) WriteHeader(code int) {
	if cw.status == 0 && code >= 200 {
		cw.status = code
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *chunkWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	n, err := cw.ResponseWriter.Write(b)
	if n > 0 {
		cw.bytes += int64(n)
		cw.chunks++
		cw.chunk(n)
	}
	return n, err
}

func (cw *chunkWriter) chunk(n int) {
	latency := time.Since(cw.start).Microseconds()
	cw.span.AddEvent("body.chunk", trace.WithAttributes(
		attribute.Int("size_bytes", n),
		attribute.Int64("latency_micro", latency),
	))
	if cw.onChunk != nil {
		cw.onChunk(n)
	}
	logSafely(func() {
		cw.log.Info(cw.ctx, "sending body chunk", "size_bytes", n, "latency_micro", latency)
	})
}

func (cw *chunkWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *chunkWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }
