package httpmw

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var helloBody = strings.Repeat("hello compressible world ", 40)

func textHandler(ct string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Length", "999")
		_, _ = io.WriteString(w, helloBody)
	})
}

func serveCompressed(t *testing.T, acceptEncoding, ct string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "/", http.NoBody)
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	rec := httptest.NewRecorder()
	Compress(DefaultCompressLevel)(textHandler(ct)).ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, encoding string, body io.Reader) string {
	t.Helper()
	var r io.Reader
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		r = gr
	case "deflate":
		r = flate.NewReader(body)
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			t.Fatalf("zstd reader: %v", err)
		}
		defer zr.Close()
		r = zr
	default:
		r = body
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decode %s: %v", encoding, err)
	}
	return string(b)
}

func TestCompress_Negotiation(t *testing.T) {
	tests := []struct {
		accept string
		want   string
	}{
		{"gzip", "gzip"},
		{"deflate", "deflate"},
		{"zstd", "zstd"},
		{"gzip, deflate", "gzip"},
		{"gzip, deflate, br, zstd", "zstd"},
		{"br", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			rec := serveCompressed(t, tt.accept, "text/plain")

			if got := rec.Header().Get("Content-Encoding"); got != tt.want {
				t.Fatalf("Content-Encoding = %q, want %q", got, tt.want)
			}
			if got := decode(t, tt.want, rec.Body); got != helloBody {
				t.Fatalf("round trip mismatch (%d bytes)", len(got))
			}
			if tt.want != "" {
				if rec.Header().Get("Content-Length") != "" {
					t.Fatal("pre-compression Content-Length must be dropped")
				}
				if !strings.Contains(rec.Header().Get("Vary"), "Accept-Encoding") {
					t.Fatalf("Vary = %q", rec.Header().Get("Vary"))
				}
				if rec.Body.Len() >= len(helloBody) {
					t.Fatalf("compressed %d >= plain %d", rec.Body.Len(), len(helloBody))
				}
			}
		})
	}
}

func TestCompress_SkipsIncompressibleTypes(t *testing.T) {
	rec := serveCompressed(t, "gzip", "image/png")

	if rec.Header().Get("Content-Encoding") != "" {
		t.Fatal("image/png should not be compressed")
	}
	if rec.Body.String() != helloBody {
		t.Fatal("body should pass through")
	}
}

func TestCompress_CharsetParameterIgnored(t *testing.T) {
	rec := serveCompressed(t, "gzip", "text/plain; charset=utf-8")

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
}
