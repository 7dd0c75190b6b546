// Package health answers the admin listener's liveness and readiness
// checks.
//
// Readiness for the hello server is the conjunction of the public listener
// accepting connections ([Dial]) and the [ShutdownGate] still being open, so
// a load balancer stops routing to an instance before its in-flight requests
// are drained.
package health
