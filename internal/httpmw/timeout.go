package httpmw

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout is the fixed per-request processing budget.
const DefaultTimeout = 10 * time.Second

// TimeoutBody is written with 408 when the budget expires.
const TimeoutBody = "request timed out"

type TimeoutOptions struct {
	// OnCommit runs just before a response is written to the client, with the
	// exact number of body bytes about to be sent.
	OnCommit func(h http.Header, status int, n int64)
	// OnTimeout runs once when the budget expires before the handler finishes.
	OnTimeout func(r *http.Request, elapsed time.Duration)
}

// Timeout runs the rest of the chain on its own goroutine against a buffered
// writer and races it against d. The first of completion or expiry decides
// the response; the other outcome is never seen by the client. Late writes
// from an expired handler fail with http.ErrHandlerTimeout.
func Timeout(d time.Duration, opts TimeoutOptions) Middleware {
	if d <= 0 {
		d = DefaultTimeout
	}
	return func(next http.Handler) http.Handler {
		return &timeoutHandler{next: next, dt: d, opts: opts}
	}
}

type timeoutHandler struct {
	next http.Handler
	dt   time.Duration
	opts TimeoutOptions
}

func (h *timeoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), h.dt)
	defer cancel()
	r = r.WithContext(ctx)

	done := make(chan struct{})
	tw := &timeoutWriter{h: make(http.Header)}
	panicChan := make(chan any, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				panicChan <- p
			}
		}()
		h.next.ServeHTTP(tw, r)
		close(done)
	}()

	select {
	case p := <-panicChan:
		panic(p)
	case <-done:
		tw.mu.Lock()
		defer tw.mu.Unlock()
		dst := w.Header()
		for k, vv := range tw.h {
			dst[k] = vv
		}
		status := tw.code
		if !tw.wroteHeader {
			status = http.StatusOK
		}
		h.commit(w, status, tw.wbuf.Bytes())
	case <-ctx.Done():
		tw.mu.Lock()
		defer tw.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			tw.err = http.ErrHandlerTimeout
			if h.opts.OnTimeout != nil {
				h.opts.OnTimeout(r, time.Since(start))
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			h.commit(w, http.StatusRequestTimeout, []byte(TimeoutBody))
			return
		}
		// parent cancelled: the client is gone, nobody reads this
		tw.err = ctx.Err()
		h.commit(w, http.StatusServiceUnavailable, nil)
	}
}

func (h *timeoutHandler) commit(w http.ResponseWriter, status int, body []byte) {
	if h.opts.OnCommit != nil {
		h.opts.OnCommit(w.Header(), status, int64(len(body)))
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

type timeoutWriter struct {
	h    http.Header
	wbuf bytes.Buffer

	mu          sync.Mutex
	err         error
	wroteHeader bool
	code        int
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.err != nil {
		return 0, tw.err
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.wbuf.Write(p)
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.err != nil || tw.wroteHeader {
		return
	}
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}
	// informational responses are not buffered
	if code < 200 {
		return
	}
	tw.wroteHeader = true
	tw.code = code
}
