package xstream

import (
	"time"

	"github.com/schwicke/xrootd/internal/streamid"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

// MsgHelper is a substream's single outbound in-flight slot: the
// message popped off the OutQueue that is currently being handed to
// the socket.
type MsgHelper struct {
	Msg      *types.Message
	Handler  xrdif.MsgHandler
	Expires  time.Time
	Stateful bool
	Tag      streamid.ID
	TagSet   bool
}

// Entry converts the slot's contents back into an OutQueue Entry, e.g.
// to re-queue it with PushFront after an error.
func (h *MsgHelper) Entry() Entry {
	return Entry{Msg: h.Msg, Handler: h.Handler, Expires: h.Expires, Stateful: h.Stateful, Tag: h.Tag, TagSet: h.TagSet}
}

// FromEntry populates the slot from a freshly popped OutQueue Entry.
func (h *MsgHelper) FromEntry(e Entry) {
	h.Msg, h.Handler, h.Expires, h.Stateful, h.Tag, h.TagSet = e.Msg, e.Handler, e.Expires, e.Stateful, e.Tag, e.TagSet
}

// IsSet reports whether the slot currently holds a message.
func (h *MsgHelper) IsSet() bool {
	return h != nil && h.Msg != nil
}

// Clear empties the slot.
func (h *MsgHelper) Clear() {
	*h = MsgHelper{}
}

// InMessageHelper is a substream's single inbound in-flight slot: the
// handler (and its action mask) waiting for the response currently
// arriving on the wire.
type InMessageHelper struct {
	Msg     *types.Message
	Handler xrdif.MsgHandler
	Expires time.Time
	Action  xrdif.Action
}

// IsSet reports whether a handler is currently installed.
func (h *InMessageHelper) IsSet() bool {
	return h != nil && h.Handler != nil
}

// Snapshot atomically (from the caller's point of view — the caller
// holds the Stream lock) copies out the slot's contents and clears it,
// so the handler can be safely used after the lock is released.
func (h *InMessageHelper) Snapshot() InMessageHelper {
	cp := *h
	*h = InMessageHelper{}
	return cp
}
