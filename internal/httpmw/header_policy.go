package httpmw

import (
	"context"
	"net/http"

	"github.com/ROki1988/learn-app-runner/internal/headers"
	"github.com/ROki1988/learn-app-runner/internal/log"
)

// HeaderPolicy attaches the redacted request headers to the request-scoped
// logger and, when the handler commits its response, fills in the default
// content type and drops header fields that cannot be written.
func HeaderPolicy(p headers.Policy) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			L := log.FromContext(ctx).With("http.request.header", p.Redact(r.Header))
			ctx = log.WithContext(ctx, L)

			pw := &policyWriter{ResponseWriter: w, policy: p, ctx: ctx, log: L}
			next.ServeHTTP(pw, r.WithContext(ctx))
		})
	}
}

type policyWriter struct {
	http.ResponseWriter
	policy    headers.Policy
	ctx       context.Context
	log       log.Logger
	committed bool
}

func (pw *policyWriter) commit() {
	if pw.committed {
		return
	}
	pw.committed = true
	h := pw.ResponseWriter.Header()
	pw.policy.ApplyDefaults(h)
	for _, name := range pw.policy.Sanitize(h) {
		logSafely(func() {
			pw.log.Warn(pw.ctx, "dropped response header that cannot be encoded", "header", name)
		})
	}
}

func (pw *policyWriter) WriteHeader(code int) {
	if code >= 200 {
		pw.commit()
	}
	pw.ResponseWriter.WriteHeader(code)
}

func (pw *policyWriter) Write(b []byte) (int, error) {
	pw.commit()
	return pw.ResponseWriter.Write(b)
}

func (pw *policyWriter) Unwrap() http.ResponseWriter { return pw.ResponseWriter }
