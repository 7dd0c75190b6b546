package httpmw

import (
	"net/http"
)

// Middleware wraps a handler with one concern.
type Middleware = func(http.Handler) http.Handler

// Layer is a named middleware in an ordered pipeline.
type Layer struct {
	Name string
	Wrap Middleware
}

// Chain applies middlewares so that the first middleware in the
// list is the outermost, and the last is innermost, wrapping h.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// Compose folds layers around h, first layer outermost. Layers without a
// Wrap func are skipped so optional stages can stay in the list.
func Compose(h http.Handler, layers ...Layer) http.Handler {
	mws := make([]Middleware, 0, len(layers))
	for _, l := range layers {
		mws = append(mws, l.Wrap)
	}
	return Chain(h, mws...)
}

// Names lists the active layers outermost first.
func Names(layers []Layer) []string {
	out := make([]string, 0, len(layers))
	for _, l := range layers {
		if l.Wrap != nil {
			out = append(out, l.Name)
		}
	}
	return out
}
