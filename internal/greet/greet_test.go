package greet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ROki1988/learn-app-runner/internal/log"
	"github.com/ROki1988/learn-app-runner/internal/xerrors"
)

// spyLogger captures Error calls for assertions.
type spyLogger struct {
	log.Logger
	mu     sync.Mutex
	errors []error
	kvs    [][]any
}

func newSpyLogger() *spyLogger { return &spyLogger{Logger: log.Nop()} }

func (s *spyLogger) With(...any) log.Logger { return s }

func (s *spyLogger) Error(_ context.Context, err error, _ string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err)
	s.kvs = append(s.kvs, kv)
}

// panicLogger fails every Error call, like a sink whose writer broke.
type panicLogger struct{ log.Logger }

func (panicLogger) Error(context.Context, error, string, ...any) { panic("sink closed") }

func newRouter() http.Handler {
	r := chi.NewRouter()
	Routes(r)
	return r
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, http.NoBody))
	return rec
}

func TestHello_Names(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"/alice", "hello alice"},
		{"/bob", "hello bob"},
		{"/debug", "hello debug"},
		{"/error", "hello error"},
		{"/hello%20world", "hello hello world"},
		{"/%E3%81%82", "hello あ"},
		{"/a%2Fb", "hello a/b"},
		{"/100%25", "hello 100%"},
	}
	h := newRouter()
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := serve(t, h, http.MethodGet, tt.target)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if rec.Body.String() != tt.want {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestDebugError_Is500(t *testing.T) {
	spy := newSpyLogger()
	h := newRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/error", http.NoBody)
	req = req.WithContext(log.WithContext(req.Context(), spy))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if len(spy.errors) != 1 || !errors.Is(spy.errors[0], ErrInternalFailure) {
		t.Fatalf("logged errors = %v", spy.errors)
	}
}

func TestDebugError_BrokenLoggerStillAnswers500(t *testing.T) {
	h := newRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/error", http.NoBody)
	req = req.WithContext(log.WithContext(req.Context(), panicLogger{Logger: log.Nop()}))

	func() {
		defer func() {
			if p := recover(); p != nil {
				t.Fatalf("logger panic escaped the handler: %v", p)
			}
		}()
		h.ServeHTTP(rec, req)
	}()

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRoutes_UnmatchedAndWrongMethod(t *testing.T) {
	h := newRouter()

	if rec := serve(t, h, http.MethodGet, "/a/b"); rec.Code != http.StatusNotFound {
		t.Fatalf("multi-segment status = %d, want 404", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/debug/other"); rec.Code != http.StatusNotFound {
		t.Fatalf("/debug/other status = %d, want 404", rec.Code)
	}
	if rec := serve(t, h, http.MethodPost, "/alice"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d, want 405", rec.Code)
	}
}

func TestHandle_TaggedStatus(t *testing.T) {
	h := Handle(func(http.ResponseWriter, *http.Request) error {
		return xerrors.WithStatus(errors.New("upstream down"), http.StatusServiceUnavailable)
	})
	rec := serve(t, h, http.MethodGet, "/")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

// closedWriter rejects body writes the way the timeout layer does once the
// deadline has fired.
type closedWriter struct{ *httptest.ResponseRecorder }

func (closedWriter) Write([]byte) (int, error)       { return 0, http.ErrHandlerTimeout }
func (closedWriter) WriteString(string) (int, error) { return 0, http.ErrHandlerTimeout }

func TestHello_LateWriteLoggedAsTimeout(t *testing.T) {
	spy := newSpyLogger()
	req := httptest.NewRequest(http.MethodGet, "/alice", http.NoBody)
	req = req.WithContext(log.WithContext(req.Context(), spy))

	Handle(Hello).ServeHTTP(closedWriter{httptest.NewRecorder()}, req)

	if len(spy.errors) != 1 {
		t.Fatalf("logged %d errors, want 1", len(spy.errors))
	}
	if !errors.Is(spy.errors[0], http.ErrHandlerTimeout) {
		t.Fatalf("logged error = %v, want ErrHandlerTimeout in chain", spy.errors[0])
	}
	if got := xerrors.StatusCode(spy.errors[0]); got != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", got)
	}
	kv := spy.kvs[0]
	if len(kv) < 2 || kv[0] != "http.response.status_code" || kv[1] != http.StatusRequestTimeout {
		t.Fatalf("log fields = %v, want status 408", kv)
	}
}

func TestDebugError_StackTakenPerRequest(t *testing.T) {
	err := DebugError(nil, nil)
	if !errors.Is(err, ErrInternalFailure) {
		t.Fatalf("err = %v, want ErrInternalFailure in chain", err)
	}
	outer, ok := err.(interface{ StackPCs() []uintptr })
	if !ok {
		t.Fatalf("err %T carries no stack", err)
	}
	inner := ErrInternalFailure.(interface{ StackPCs() []uintptr })
	if reflect.DeepEqual(outer.StackPCs(), inner.StackPCs()) {
		t.Fatal("stack should be captured at the call, not reused from the sentinel")
	}
}

func TestHandle_NilErrorWritesNothingExtra(t *testing.T) {
	h := Handle(func(w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(http.StatusCreated)
		return nil
	})
	rec := serve(t, h, http.MethodGet, "/")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", rec.Body.String())
	}
}

func TestConcurrentGreetings(t *testing.T) {
	h := newRouter()
	names := []string{"alice", "bob", "carol", "dave"}

	var wg sync.WaitGroup
	errs := make(chan string, len(names)*25)
	for i := 0; i < 25; i++ {
		for _, n := range names {
			wg.Add(1)
			go func(n string) {
				defer wg.Done()
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+n, http.NoBody))
				if got := rec.Body.String(); got != "hello "+n {
					errs <- got
				}
			}(n)
		}
	}
	wg.Wait()
	close(errs)
	for got := range errs {
		t.Errorf("cross-talk: got %q", got)
	}
}
