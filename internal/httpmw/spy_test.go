package httpmw

import (
	"context"
	"fmt"
	"sync"

	"github.com/ROki1988/learn-app-runner/internal/log"
)

type spyEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// spyLogger records every call; With folds its fields into later entries.
type spyLogger struct {
	mu      *sync.Mutex
	entries *[]spyEntry
	fields  []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{mu: &sync.Mutex{}, entries: &[]spyEntry{}}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	fields := make([]any, 0, len(s.fields)+len(kv))
	fields = append(fields, s.fields...)
	fields = append(fields, kv...)
	return &spyLogger{mu: s.mu, entries: s.entries, fields: fields}
}

func (s *spyLogger) add(level, msg string, err error, kv []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]any, 0, len(s.fields)+len(kv))
	all = append(all, s.fields...)
	all = append(all, kv...)
	*s.entries = append(*s.entries, spyEntry{level: level, msg: msg, err: err, kv: all})
}

func (s *spyLogger) Debug(_ context.Context, msg string, kv ...any) { s.add("debug", msg, nil, kv) }
func (s *spyLogger) Info(_ context.Context, msg string, kv ...any)  { s.add("info", msg, nil, kv) }
func (s *spyLogger) Warn(_ context.Context, msg string, kv ...any)  { s.add("warn", msg, nil, kv) }
func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.add("error", msg, err, kv)
}
func (s *spyLogger) Sync() error { return nil }

func (s *spyLogger) all() []spyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyEntry(nil), *s.entries...)
}

func (s *spyLogger) byMsg(msg string) []spyEntry {
	var out []spyEntry
	for _, e := range s.all() {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func (s *spyLogger) lastError() (spyEntry, bool) {
	entries := s.all()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].level == "error" {
			return entries[i], true
		}
	}
	return spyEntry{}, false
}

// kvValue returns the last value logged under key.
func kvValue(kv []any, key string) (any, bool) {
	var v any
	found := false
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			v, found = kv[i+1], true
		}
	}
	return v, found
}

func kvString(kv []any, key string) string {
	v, ok := kvValue(kv, key)
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

// panicLogger fails every call, standing in for a broken sink.
type panicLogger struct{}

func (panicLogger) With(...any) log.Logger                       { return panicLogger{} }
func (panicLogger) Debug(context.Context, string, ...any)        { panic("sink down") }
func (panicLogger) Info(context.Context, string, ...any)         { panic("sink down") }
func (panicLogger) Warn(context.Context, string, ...any)         { panic("sink down") }
func (panicLogger) Error(context.Context, error, string, ...any) { panic("sink down") }
func (panicLogger) Sync() error                                  { return nil }
