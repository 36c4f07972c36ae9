// ABOUTME: Injectable tracing interface for handshake diagnostics
// ABOUTME: No-op by default so auth logic never performs unconditional outbound calls

package trace

import "context"

// Tracer receives structured handshake stage events. Implementations must
// be cheap and non-blocking; the gateway calls them inline on the
// connection path.
type Tracer interface {
	// Stage records that a handshake stage finished with the given outcome.
	Stage(ctx context.Context, connID, stage, outcome string)
}

// Nop is the default Tracer; it discards everything.
type Nop struct{}

// Stage implements Tracer.
func (Nop) Stage(context.Context, string, string, string) {}
