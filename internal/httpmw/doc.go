// Package httpmw provides the layers of the request pipeline.
//
// httpserver.NewHandler composes them outermost first: request ID, client
// address, observability (span plus lifecycle and body chunk records),
// metrics, optional rate limiting, panic recovery, the fixed processing
// timeout, response compression and the header policy, then the router.
//
// The timeout layer buffers the complete response, so everything inside it
// (compression, header policy, handler) writes to memory and the exact body
// size is known when the response is committed. Request headers only reach
// log records through headers.Policy.Redact.
package httpmw
