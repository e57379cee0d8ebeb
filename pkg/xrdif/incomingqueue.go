package xrdif

import (
	"errors"
	"time"

	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/pkg/types"
)

// ErrHandlerAlreadyInstalled is returned by AddMessageHandler when a
// handler is already registered for msg; the caller logs and
// continues rather than treating it as fatal.
var ErrHandlerAlreadyInstalled = errors.New("incoming queue: handler already installed")

// StreamEventKind distinguishes the two stream-level events the core
// ever reports to the incoming queue and channel event handlers.
type StreamEventKind int

const (
	EventBroken StreamEventKind = iota
	EventFatal
)

// IncomingQueue is the registry matching arriving responses to the
// handler that requested them. It is implemented and owned externally;
// the stream core only calls it.
type IncomingQueue interface {
	// AddMessageHandler registers handler as the recipient for the
	// response to msg, expiring at expires.
	AddMessageHandler(msg *types.Message, handler MsgHandler, expires time.Time) error

	// ReAddMessageHandler re-registers a handler that was pulled out of
	// the queue (e.g. during an OnError rescue), preserving its action
	// mask.
	ReAddMessageHandler(handler MsgHandler, expires time.Time, action Action) error

	// RemoveMessageHandler deregisters handler unconditionally.
	RemoveMessageHandler(handler MsgHandler)

	// GetHandlerForMessage locates the handler waiting for msg.
	GetHandlerForMessage(msg *types.Message) (handler MsgHandler, expires time.Time, action Action, err error)

	// AssignTimeout sets a fresh deadline for an already-registered
	// handler, typically once its request has actually been written.
	AssignTimeout(handler MsgHandler, expires time.Time) error

	// ReportTimeout asks the queue to fail every handler whose deadline
	// is at or before now.
	ReportTimeout(now time.Time)

	// ReportStreamEvent notifies the queue of a stream-wide broken or
	// fatal transition, independent of any single message.
	ReportStreamEvent(kind StreamEventKind, status *xrderrors.Status)
}

// ChannelEventHandler receives the same stream-wide events as
// IncomingQueue, for whatever owns the logical channel (e.g. a
// higher-level session object tracking liveness).
type ChannelEventHandler interface {
	OnStreamEvent(kind StreamEventKind, status *xrderrors.Status)
}
