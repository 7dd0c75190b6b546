// Package ratelimit is an optional per-client token bucket placed in front
// of the hello pipeline. Buckets live in process memory, keyed by the
// client address resolved by httpmw.ClientIP, and idle buckets are evicted
// in the background. Nothing is shared between instances.
package ratelimit
