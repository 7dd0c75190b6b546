// Package greet is the terminal route handler of the pipeline: GET /{name}
// answers "hello <name>" and GET /debug/error always fails so error
// propagation through the middleware stack can be exercised.
package greet

import (
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ROki1988/learn-app-runner/internal/log"
	"github.com/ROki1988/learn-app-runner/internal/xerrors"
)

// ErrInternalFailure is returned unconditionally by DebugError.
var ErrInternalFailure = xerrors.New("deliberate internal failure")

// HandlerFunc writes a response and returns nil, or returns an error and
// writes nothing. Handle turns the error into a response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// Handle adapts fn to http.Handler. A returned error becomes the status
// tagged on it with xerrors.WithStatus, 500 otherwise, and is logged through
// the request-scoped logger.
func Handle(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		status := xerrors.StatusCode(err)
		logFailure(r, err, status)
		http.Error(w, http.StatusText(status), status)
	})
}

// logFailure never lets a broken log sink turn a handler error into a panic.
func logFailure(r *http.Request, err error, status int) {
	defer func() { _ = recover() }()
	ctx := r.Context()
	log.FromContext(ctx).Error(ctx, err, "handler failed",
		"http.response.status_code", status,
	)
}

// Routes registers the greeting and diagnostic routes on r.
func Routes(r chi.Router) {
	r.Method(http.MethodGet, "/debug/error", Handle(DebugError))
	r.Method(http.MethodGet, "/{name}", Handle(Hello))
}

func Hello(w http.ResponseWriter, r *http.Request) error {
	if _, err := io.WriteString(w, "hello "+Name(r)); err != nil {
		err = xerrors.Wrap(err, "write greeting")
		// the timeout layer already answered 408; log the failure under that status
		if xerrors.Is(err, http.ErrHandlerTimeout) {
			return xerrors.WithStatus(err, http.StatusRequestTimeout)
		}
		return err
	}
	return nil
}

// DebugError fails with a stack taken at the request rather than at package
// initialization.
func DebugError(http.ResponseWriter, *http.Request) error {
	return xerrors.WithStack(ErrInternalFailure)
}

// Name returns the {name} path segment, percent-decoded once. chi matches on
// the escaped path when the URL carries one, so the segment is unescaped
// only in that case.
func Name(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if r.URL.RawPath == "" {
		return name
	}
	if dec, err := url.PathUnescape(name); err == nil {
		return dec
	}
	return name
}
