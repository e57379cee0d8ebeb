package xrdif

import (
	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/pkg/types"
)

// MsgHandler is the per-request completion capability the upper layer
// passes to Stream.Send. Exactly one of OnStatusReady(OK),
// OnStatusReady(error), or a queue-level Report(error) ever fires for a
// given handler.
//
// OnStatusReady may delete the handler and/or the message it was given
// — callers must not touch either afterward.
type MsgHandler interface {
	// OnReadyToSend is invoked once the message has been popped off its
	// substream's OutQueue and is about to be handed to the socket for
	// framing.
	OnReadyToSend(msg *types.Message)

	// OnStatusReady delivers the outcome for msg: OK (a nil status) once
	// the request has been written to the wire, or a *xrderrors.Status on
	// failure.
	OnStatusReady(msg *types.Message, status *xrderrors.Status)

	// InspectStatusRsp lets a handler refine the action mask for a
	// kXR_status-framed response it owns. Handlers that don't need to
	// participate can return xrdif.None.
	InspectStatusRsp() Action
}

// PartialAware is a capability probe: handlers that care about partial
// responses implement it so the core can lower their timeout fence on
// every chunk without a type switch on a concrete XRootD-specific type.
type PartialAware interface {
	// PartialReceived is called for every kXR_oksofar (or
	// PartialResult-flagged kXR_status) chunk that arrives while this
	// handler is still registered.
	PartialReceived(msg *types.Message)
}

// AsPartialAware probes h for partial-response awareness.
func AsPartialAware(h MsgHandler) (PartialAware, bool) {
	pa, ok := h.(PartialAware)
	return pa, ok
}
