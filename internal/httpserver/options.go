package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/ROki1988/learn-app-runner/internal/headers"
	"github.com/ROki1988/learn-app-runner/internal/httpmw"
	"github.com/ROki1988/learn-app-runner/internal/log"
)

type Options struct {
	Logger   log.Logger
	BindAddr string
	Port     int

	// Policy defaults to headers.Default().
	Policy *headers.Policy
	// Timeout defaults to httpmw.DefaultTimeout.
	Timeout time.Duration
	// CompressLevel defaults to httpmw.DefaultCompressLevel.
	CompressLevel int

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	ClientIPOpts   httpmw.ClientIPOptions

	// Optional layers; nil skips them.
	RateLimitMW httpmw.Middleware
	MetricsMW   httpmw.Middleware
	ProfileMW   httpmw.Middleware

	OnPanic   func()
	OnTimeout func(method string)
	OnChunk   func(n int)

	// Routes registers the handlers. Defaults to greet.Routes.
	Routes func(chi.Router)
}
