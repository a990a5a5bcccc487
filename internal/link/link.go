// Package link defines the abstract duplex Framed Link (spec.md §9's
// re-architected "duck-typed duplex endpoint"): a small interface with a
// server-side websocket adapter (internal/link/wslink) and, for tests, an
// in-process pipe implementation.
package link

// CloseCode mirrors spec.md §6.3.
type CloseCode int

const (
	CloseClean                CloseCode = 1000
	CloseLeaving              CloseCode = 1001
	CloseError                CloseCode = 1011
	CloseAuthenticationFailed CloseCode = 4106
	CloseTimeout              CloseCode = 4107
	CloseKicked               CloseCode = 4108
	CloseChannelFull          CloseCode = 4109
)

// Link is the abstract duplex byte-stream the Bus and Gateway are built
// on. One frame in equals one JSON array of Payloads on the wire, but
// Link itself is content-agnostic.
type Link interface {
	// Send writes one frame. Safe for concurrent use.
	Send(frame []byte) error
	// OnFrame registers the callback invoked for every inbound frame.
	// Must be called before the link starts pumping (i.e. immediately
	// after construction).
	OnFrame(func(frame []byte))
	// OnClose registers the callback invoked exactly once when the link
	// is closed, whether locally or by the peer.
	OnClose(func())
	// Close closes the underlying transport. Idempotent.
	Close(code CloseCode) error
}
