package httpmw

import (
	"net/http"

	"github.com/ROki1988/learn-app-runner/internal/log"
	"github.com/ROki1988/learn-app-runner/internal/xerrors"
)

// Recover turns a handler panic into a logged 500. http.ErrAbortHandler is
// re-raised so net/http can abort the connection as intended.
func Recover(L log.Logger, onPanic func()) Middleware {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}

				var err error
				if e, ok := rec.(error); ok {
					// still on the panicking goroutine, so the stack includes the panic site
					err = xerrors.EnsureTrace(xerrors.Wrap(e, "panic"))
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}
				logSafely(func() {
					L.With(
						"http.request.method", r.Method,
						"url.path", r.URL.Path,
						"request_id", RequestIDFromContext(r.Context()),
					).Error(r.Context(), err, "httpserver panic recovered")
				})

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// logSafely runs a logging call, discarding any panic from a broken sink.
func logSafely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
