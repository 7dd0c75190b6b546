package httpmw

import (
	"io"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DefaultCompressLevel is the gzip/deflate level used by the server.
const DefaultCompressLevel = 5

// CompressibleTypes are the content types compressed when no list is given.
var CompressibleTypes = []string{
	"text/plain",
	"text/html",
	"text/css",
	"text/javascript",
	"application/javascript",
	"application/json",
	"image/svg+xml",
}

// Compress negotiates a content coding from Accept-Encoding and encodes
// compressible bodies with it. Preference when the client accepts several is
// zstd, then gzip, then deflate. Responses without an accepted coding or with
// an incompressible type pass through unchanged.
func Compress(level int, types ...string) Middleware {
	if len(types) == 0 {
		types = CompressibleTypes
	}
	c := middleware.NewCompressor(level, types...)
	// last registered wins negotiation ties
	c.SetEncoder("deflate", encoderDeflate)
	c.SetEncoder("gzip", encoderGzip)
	c.SetEncoder("zstd", encoderZstd)
	return c.Handler
}

func encoderGzip(w io.Writer, level int) io.Writer {
	gw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil
	}
	return gw
}

func encoderDeflate(w io.Writer, level int) io.Writer {
	dw, err := flate.NewWriter(w, level)
	if err != nil {
		return nil
	}
	return dw
}

func encoderZstd(w io.Writer, level int) io.Writer {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil
	}
	return zw
}
