package xrdif

import (
	"time"

	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/pkg/types"
)

// PathID selects, for one message, which substream carries it out
// (Up) and which substream its reply is expected on (Down).
type PathID struct {
	Up   uint16
	Down uint16
}

// ChannelOwner is an opaque handle Transport (and the other
// capabilities) use to identify which logical channel a Stream belongs
// to. Its shape is owned by the process wiring this module in — the
// stream core never inspects it, only threads it through.
type ChannelOwner interface{}

// QueryKind enumerates the StreamQuery surface.
type QueryKind int

const (
	QueryIPAddr QueryKind = iota
	QueryIPStack
	QueryHostName
)

// Transport abstracts the wire codec, the handshake, and framing
// policy. The stream core asks it how to route outgoing messages, what
// to do with incoming ones, and how many substreams a session wants.
type Transport interface {
	// MultiplexSubStream picks the PathID a message should travel on.
	MultiplexSubStream(msg *types.Message, owner ChannelOwner) (PathID, error)

	// FinalizeSubStream confirms the path EnableLink actually armed
	// write-readiness on. It is not a second, independent routing
	// decision: path is the value EnableLink returned for the PathID
	// MultiplexSubStream chose, possibly corrected to a substream that
	// was actually connected, and Transport must finalize against that
	// same path rather than pick a new one from scratch.
	FinalizeSubStream(msg *types.Message, path PathID, owner ChannelOwner) (PathID, error)

	// MessageReceived classifies a just-arrived, non-partial message.
	MessageReceived(msg *types.Message, sub uint16, owner ChannelOwner) Action

	// MessageSent records that bytes were written for msg on substream
	// sub.
	MessageSent(msg *types.Message, sub uint16, bytes int, owner ChannelOwner)

	// SubStreamNumber reports how many substreams this channel wants
	// once substream 0 is connected.
	SubStreamNumber(owner ChannelOwner) uint16

	// GetBindPreference returns the address substream i should bind to
	// (normally substream 0's address).
	GetBindPreference(u types.URL, owner ChannelOwner) types.URL

	// IsStreamTTLElapsed reports whether idle has outlived streamTTL.
	IsStreamTTLElapsed(idle time.Duration, owner ChannelOwner) bool

	// IsStreamBroken reports whether an idle substream 0 should be
	// treated as broken.
	IsStreamBroken(idle time.Duration, owner ChannelOwner) *xrderrors.Status

	// Query answers the StreamQuery surface.
	Query(kind QueryKind, owner ChannelOwner) (string, error)
}
