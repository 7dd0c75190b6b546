package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// slogLogger is the Logger behind New. Base attributes are kept on the
// logger, not the handler, so With stays a slice copy.
type slogLogger struct {
	h         slog.Handler
	attrs     []slog.Attr
	withLinks bool
	maxLinks  int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = 8
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: opts.AddSource, ReplaceAttr: utcTime}
	var sink slog.Handler = slog.NewTextHandler(w, ho)
	if opts.JsonFormat {
		sink = slog.NewJSONHandler(w, ho)
	}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}
	return &slogLogger{
		h:         enrichHandler{next: sink, stackLevel: opts.StacktraceLevel},
		attrs:     attrs,
		withLinks: opts.IncludeErrorLinks,
		maxLinks:  opts.MaxErrorLinks,
	}, nil
}

func utcTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 || a.Key != slog.TimeKey || a.Value.Kind() != slog.KindTime {
		return a
	}
	return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339Nano))
}

func (s *slogLogger) With(kv ...any) Logger {
	c := *s
	c.attrs = appendPairs(append([]slog.Attr(nil), s.attrs...), kv)
	return &c
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

// Error adds err and what can be learned from its chain: the outermost
// non-wrapper type, the root type, every distinct message and, when enabled,
// the source location of each wrap.
func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		surface, root := errorTypes(err)
		kv = append(kv, "err", err, "error_type", surface, "cause_type", root)
		if msgs := errorMessages(err); len(msgs) > 0 {
			kv = append(kv, "error_chain", msgs)
		}
		if s.withLinks {
			kv = append(kv, "error_links", errorLinks(err, s.maxLinks))
		}
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

// appendPairs converts alternating key/value arguments, skipping non-string keys.
func appendPairs(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}

// emit swallows handler panics and errors; logging never fails the caller.
func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	defer func() { _ = recover() }()

	var pc [1]uintptr
	runtime.Callers(3, pc[:]) // skip Callers, emit and the level method

	r := slog.NewRecord(time.Now(), lvl, msg, pc[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendPairs(nil, kv)...)
	_ = s.h.Handle(ctx, r)
}

// enrichHandler stamps records with the active span's trace_id and span_id
// and, from stackLevel up, a "stack" taken from the logged error when it has
// one.
type enrichHandler struct {
	next       slog.Handler
	stackLevel slog.Level
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	var traced, spanned bool
	var errStack []uintptr
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "trace_id":
			traced = true
		case "span_id":
			spanned = true
		case "err":
			if st, ok := a.Value.Any().(interface{ StackPCs() []uintptr }); ok && st != nil && errStack == nil {
				errStack = st.StackPCs()
			}
		}
		return true
	})

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		if !traced {
			r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
		}
		if !spanned {
			r.AddAttrs(slog.String("span_id", sc.SpanID().String()))
		}
	}

	if r.Level >= h.stackLevel {
		if len(errStack) == 0 {
			buf := make([]uintptr, 64)
			errStack = buf[:runtime.Callers(2, buf)]
		}
		r.AddAttrs(slog.String("stack", formatStack(errStack)))
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackLevel: h.stackLevel}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackLevel: h.stackLevel}
}

// ownFrame reports frames of slog, this package or xerrors, which are
// trimmed from the top of a stack.
func ownFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.")
}

// formatStack writes one "func\n\tfile:line" entry per frame, beginning at the
// first caller frame and ending before the runtime.
func formatStack(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	skipping := true
	for more := len(pcs) > 0; more; {
		var fr runtime.Frame
		fr, more = frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		skipping = skipping && ownFrame(fr.Function)
		if !skipping {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// errorMessages lists the distinct messages down the Unwrap chain, then those
// of a joined error's members.
func errorMessages(err error) []string {
	var out []string
	add := func(e error) {
		if m := e.Error(); len(out) == 0 || out[len(out)-1] != m {
			out = append(out, m)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e)
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e)
		}
	}
	return out
}

// errorLinks describes up to max chain entries. The head is always included;
// deeper entries only when a source location is known for them.
func errorLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		fr, located := wrapSite(e)
		if !located && depth > 0 {
			continue
		}
		link := map[string]any{"msg": e.Error()}
		if located {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		links = append(links, link)
	}
	return links
}

// wrapSite finds where e was created: the recorded PC of an xerrors wrap or
// the first caller frame of a captured stack.
func wrapSite(e error) (runtime.Frame, bool) {
	switch v := e.(type) {
	case interface{ PC() uintptr }:
		if v.PC() == 0 {
			return runtime.Frame{}, false
		}
		fr, _ := runtime.CallersFrames([]uintptr{v.PC()}).Next()
		return fr, true
	case interface{ StackPCs() []uintptr }:
		pcs := v.StackPCs()
		frames := runtime.CallersFrames(pcs)
		for more := len(pcs) > 0; more; {
			var fr runtime.Frame
			fr, more = frames.Next()
			if !strings.HasPrefix(fr.Function, "runtime.") && !ownFrame(fr.Function) {
				return fr, true
			}
		}
	}
	return runtime.Frame{}, false
}

// errorTypes names the outermost type that is not a plain wrapper and the
// type of the innermost error.
func errorTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if !isWrapper(reflect.TypeOf(e)) {
			surface = reflect.TypeOf(e).String()
			break
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	inner := err
	for errors.Unwrap(inner) != nil {
		inner = errors.Unwrap(inner)
	}
	return surface, fmt.Sprintf("%T", inner)
}

func isWrapper(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return strings.Contains(t.PkgPath(), "/internal/xerrors") ||
		(t.PkgPath() == "fmt" && t.Name() == "wrapError")
}
