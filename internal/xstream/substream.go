package xstream

import (
	"github.com/schwicke/xrootd/internal/streamid"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

// defaultStreamIDPoolSize bounds how many stateless requests a single
// substream may have outstanding at once before Send starts rejecting
// new ones with ErrStreamIDPoolBusy.
const defaultStreamIDPoolSize = 256

// SubStream is one physical TCP connection within a logical Stream.
// Substream 0 is the session anchor: its connect event allocates every
// other substream, and its loss invalidates the whole session.
//
// Every field here is owned exclusively by the substream and is only
// ever touched while the enclosing Stream's mutex is held.
type SubStream struct {
	id     uint16
	socket xrdif.Socket
	status types.SocketStatus

	outQueue     *OutQueue
	streamIDPool *streamid.Pool

	outMsgHelper MsgHelper
	inMsgHelper  InMessageHelper

	bytesSent uint64
	bytesRecv uint64
}

// NewSubStream constructs an idle substream bound to socket, with its
// own wire-correlation tag pool.
func NewSubStream(id uint16, socket xrdif.Socket) *SubStream {
	pool := streamid.NewPool(defaultStreamIDPoolSize)
	return &SubStream{
		id:           id,
		socket:       socket,
		status:       types.Disconnected,
		outQueue:     NewOutQueue(pool),
		streamIDPool: pool,
	}
}

// StreamIDPool returns the substream's wire-correlation tag pool.
func (s *SubStream) StreamIDPool() *streamid.Pool { return s.streamIDPool }

// HasFreeStreamID reports whether a request sent now would find a
// correlation tag available.
func (s *SubStream) HasFreeStreamID() bool {
	return s.streamIDPool.Size()-s.streamIDPool.InUse() > 0
}

// ID returns the substream's index; 0 is the privileged session
// anchor.
func (s *SubStream) ID() uint16 { return s.id }

// IsPrimary reports whether this is substream 0.
func (s *SubStream) IsPrimary() bool { return s.id == 0 }

// Status returns the substream's current connection state.
func (s *SubStream) Status() types.SocketStatus { return s.status }

// SetStatus transitions the substream's connection state.
func (s *SubStream) SetStatus(status types.SocketStatus) { s.status = status }

// IsConnected is shorthand for Status() == types.Connected.
func (s *SubStream) IsConnected() bool { return s.status == types.Connected }

// Socket returns the substream's exclusive socket handle.
func (s *SubStream) Socket() xrdif.Socket { return s.socket }

// OutQueue returns the substream's exclusive outbound queue.
func (s *SubStream) OutQueue() *OutQueue { return s.outQueue }

// OutHelper returns a pointer to the substream's single outbound
// in-flight slot.
func (s *SubStream) OutHelper() *MsgHelper { return &s.outMsgHelper }

// InHelper returns a pointer to the substream's single inbound
// in-flight slot.
func (s *SubStream) InHelper() *InMessageHelper { return &s.inMsgHelper }

// AddBytesSent accumulates outbound byte counters.
func (s *SubStream) AddBytesSent(n int) { s.bytesSent += uint64(n) }

// AddBytesRecv accumulates inbound byte counters.
func (s *SubStream) AddBytesRecv(n int) { s.bytesRecv += uint64(n) }

// Close closes the underlying socket and resets connection state. It
// does not touch the out-queue or in-flight slots — callers decide how
// those are rescued or drained.
func (s *SubStream) Close() error {
	s.status = types.Disconnected
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}
