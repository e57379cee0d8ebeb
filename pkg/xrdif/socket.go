package xrdif

import (
	"time"

	"github.com/schwicke/xrootd/pkg/types"
)

// Socket is the non-blocking per-substream transport handle. It is
// owned exclusively by one SubStream. Connect never blocks: it
// completes later through the owning Stream's OnConnect/OnConnectError
// callbacks, which Poller invokes once the kernel reports the outcome.
//
// The wire codec, TLS, and handshake live behind this interface and
// are not implemented by this module.
type Socket interface {
	// Connect begins a non-blocking connection attempt to addr:port,
	// bounded by window. Completion is reported asynchronously via the
	// Poller-driven OnConnect/OnConnectError callback, not via this
	// call's return value.
	Connect(addr types.ResolvedAddr, port int, window time.Duration) error

	// EnableUplink arms write-readiness notifications for this socket.
	EnableUplink()

	// DisableUplink disarms write-readiness notifications.
	DisableUplink()

	// Query answers one StreamQuery key against this socket (IpAddr,
	// IpStack, HostName).
	Query(kind QueryKind) (string, error)

	// Close tears down the underlying connection.
	Close() error
}

// Poller registers sockets for read/write readiness and drives their
// callbacks. The stream core only ever asks it to mint a fresh Socket
// for a new substream; the readiness loop itself is fully external.
type Poller interface {
	NewSocket() Socket
}
