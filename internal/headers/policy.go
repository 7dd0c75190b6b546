// Package headers holds the header rules applied around every request:
// which request headers are masked before they reach a log record, the
// default response content type, dropping header fields that cannot be put
// on the wire, and the final Content-Length.
package headers

import (
	"net/http"
	"sort"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

// Marker replaces every value of a sensitive header in logged copies.
const Marker = "[REDACTED]"

type Policy struct {
	// Sensitive header names, any case.
	Sensitive []string
	// DefaultContentType is set on responses that have none. Empty disables.
	DefaultContentType string
	// RecomputeContentLength overwrites Content-Length with the realized
	// body size once it is known.
	RecomputeContentLength bool
	// Marker overrides the redaction marker when set.
	Marker string
}

// Default masks Authorization and Cookie, defaults to text/plain and
// recomputes Content-Length.
func Default() Policy {
	return Policy{
		Sensitive:              []string{"Authorization", "Cookie"},
		DefaultContentType:     "text/plain",
		RecomputeContentLength: true,
	}
}

func (p Policy) marker() string {
	if p.Marker != "" {
		return p.Marker
	}
	return Marker
}

func (p Policy) IsSensitive(name string) bool {
	name = http.CanonicalHeaderKey(name)
	for _, s := range p.Sensitive {
		if http.CanonicalHeaderKey(s) == name {
			return true
		}
	}
	return false
}

// Redact returns a copy of h for logging in which each value of a sensitive
// header is replaced by the marker. h itself is never modified and headers
// absent from h stay absent.
func (p Policy) Redact(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if !p.IsSensitive(k) {
			out[k] = append([]string(nil), vs...)
			continue
		}
		masked := make([]string, len(vs))
		for i := range masked {
			masked[i] = p.marker()
		}
		out[k] = masked
	}
	return out
}

// ApplyDefaults sets the default Content-Type when the response has none.
// A value set by the handler is never replaced.
func (p Policy) ApplyDefaults(h http.Header) {
	if p.DefaultContentType == "" {
		return
	}
	if _, ok := h["Content-Type"]; ok {
		return
	}
	h.Set("Content-Type", p.DefaultContentType)
}

// Sanitize removes header fields whose name or any value cannot be written
// to the wire and returns the removed names, sorted.
func (p Policy) Sanitize(h http.Header) []string {
	var dropped []string
	for k, vs := range h {
		if validField(k, vs) {
			continue
		}
		delete(h, k)
		dropped = append(dropped, k)
	}
	sort.Strings(dropped)
	return dropped
}

func validField(name string, values []string) bool {
	if !httpguts.ValidHeaderFieldName(name) {
		return false
	}
	for _, v := range values {
		if !httpguts.ValidHeaderFieldValue(v) {
			return false
		}
	}
	return true
}

// FinalizeLength writes the realized body size n as Content-Length. When the
// size is not known, or the status cannot carry a body, the header is
// removed instead. A policy without RecomputeContentLength leaves h alone.
func (p Policy) FinalizeLength(h http.Header, status int, n int64, known bool) {
	if !p.RecomputeContentLength {
		return
	}
	if !known || !bodyAllowed(status) {
		h.Del("Content-Length")
		return
	}
	h.Set("Content-Length", strconv.FormatInt(n, 10))
}

// bodyAllowed mirrors net/http: 1xx, 204 and 304 responses have no body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
