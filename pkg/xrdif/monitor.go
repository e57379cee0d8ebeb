package xrdif

import (
	"time"

	"github.com/schwicke/xrootd/pkg/types"
)

// ConnectInfo describes a successful substream-0 connect, for Monitor.
type ConnectInfo struct {
	URL       types.URL
	Since     time.Time
	StreamsUp uint16
}

// DisconnectInfo describes a session loss, for Monitor.
type DisconnectInfo struct {
	URL          types.URL
	BytesSent    uint64
	BytesRecv    uint64
	ConnectedFor time.Duration
}

// Monitor is the optional, process-wide observability hook. A nil
// Monitor (or the NoopMonitor below) is always safe to use.
type Monitor interface {
	OnConnect(info ConnectInfo)
	OnDisconnect(info DisconnectInfo)
}

// NoopMonitor discards every event.
type NoopMonitor struct{}

func (NoopMonitor) OnConnect(ConnectInfo)       {}
func (NoopMonitor) OnDisconnect(DisconnectInfo) {}

// PostMaster owns cross-stream lifecycle decisions that must not be
// made by a Stream about itself: it unhooks a Stream from its owning
// channel before the Stream can safely be torn down, so a TTL-driven
// self-destruct never frees a Stream while one of its own callbacks is
// still executing.
type PostMaster interface {
	// NotifyConnect is called once substream 0 completes its connect.
	NotifyConnect(u types.URL)

	// NotifyConnectError is called on a substream-0 connect failure.
	NotifyConnectError(u types.URL)

	// ForceDisconnect tears down the Stream (and its owning channel)
	// for u. Called from OnReadTimeout when a stream has been idle past
	// its TTL with nothing queued.
	ForceDisconnect(u types.URL)
}
