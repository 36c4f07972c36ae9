// Package gateway orchestrates the openclaw-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the openclaw-gateway
// server. It owns the WebSocket endpoint, the connect handshake controller,
// the pairing and token stores, the rate limiter scopes, and the operator
// HTTP API.
//
// # Connection Lifecycle
//
// Every socket follows the same path:
//
//  1. HTTP upgrade at /ws
//  2. connect.challenge event carrying a single-use nonce
//  3. One connect request frame from the client
//  4. The handshake controller runs its stages in order
//  5. hello-ok response, then the serve loop; or a structured error
//     response followed by a close frame
//
// # Handshake Stages
//
// The controller is a sequence of stage functions, each returning a tagged
// result. The sequencer stops at the first rejection, so a later check
// never observes state a failed earlier check should have gated:
//
//	throttle -> frame -> protocol -> role -> origin -> auth ->
//	device-required -> device-verify -> pairing -> token -> admit
//
// Rejections map onto close code 1008 (policy violation), except protocol
// mismatches which use 4008 so clients can detect version skew.
//
// # HTTP API
//
// Besides the socket, the server exposes:
//
//	GET  /healthz                       liveness
//	GET  /healthz/ready                 readiness with session counts
//	GET  /metrics                       Prometheus metrics (when enabled)
//	GET  /admin/pairing/pending         list pending pairing requests
//	POST /admin/pairing/{id}/approve    approve a pairing request
//	POST /admin/pairing/{id}/reject     reject a pairing request
//	POST /admin/ratelimit/reset         clear rate-limit windows
//
// Admin routes are guarded by the same shared-secret policy as the
// handshake; with no policy configured they accept loopback peers only.
package gateway
