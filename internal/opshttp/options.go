package opshttp

import (
	"net/http"

	"github.com/ROki1988/learn-app-runner/internal/health"
)

type Options struct {
	// BindAddr defaults to all interfaces; requests from public addresses
	// are refused either way.
	BindAddr    string
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs for every panic recovered on the admin listener.
	OnPanic func()
}
