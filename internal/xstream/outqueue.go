package xstream

import (
	"time"

	"github.com/schwicke/xrootd/internal/streamid"
	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

// Entry is one pending outbound message: its handler, deadline, and
// whether it is stateful (session-bound, un-replayable after session
// loss) or stateless (safely retransmittable in a new session).
//
// Tag/TagSet carry the wire-level correlation tag drawn from the
// substream's streamid.Pool once the entry is popped for sending; a
// queued entry that has never been popped has TagSet == false.
type Entry struct {
	Msg      *types.Message
	Handler  xrdif.MsgHandler
	Expires  time.Time
	Stateful bool
	Tag      streamid.ID
	TagSet   bool
}

// OutQueue is the FIFO of pending outbound messages for one substream,
// with a stateful/stateless partition view. It is not itself
// goroutine-safe: every caller in this package holds the owning
// Stream's mutex before touching one.
type OutQueue struct {
	entries []Entry
	pool    *streamid.Pool
}

// NewOutQueue returns an empty queue. pool may be nil, in which case
// popped entries are never tagged.
func NewOutQueue(pool *streamid.Pool) *OutQueue {
	return &OutQueue{pool: pool}
}

// PushBack appends an entry — the normal Send path.
func (q *OutQueue) PushBack(e Entry) {
	q.entries = append(q.entries, e)
}

// PushFront re-queues an entry at the head — used when OnError rescues
// an in-flight outbound message so it is retried first.
func (q *OutQueue) PushFront(e Entry) {
	q.entries = append([]Entry{e}, q.entries...)
}

// PopMessage removes and returns the head entry in FIFO order, tagging
// it with a fresh correlation ID from the queue's pool if one was
// configured and an entry hasn't already been tagged (a re-queued
// in-flight entry keeps its original tag).
func (q *OutQueue) PopMessage() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	if q.pool != nil && !e.TagSet {
		if tag, err := q.pool.Acquire(); err == nil {
			e.Tag = tag
			e.TagSet = true
		}
	}
	return e, true
}

// ReleaseTag returns e's correlation tag to the queue's pool, if any.
// Callers invoke this once an entry's outcome is finally known.
func (q *OutQueue) ReleaseTag(e Entry) {
	if q.pool != nil && e.TagSet {
		q.pool.Release(e.Tag)
	}
}

// GrabItems moves every entry from q into dst, preserving order, and
// empties q. Grabbing from a queue into itself is a no-op. Callers must
// only use this when dst shares q's pool (e.g. a scratch queue built
// against q's own streamid.Pool) — otherwise any already-tagged entry
// carries a correlation tag meaningless to dst's pool; see
// GrabItemsToOtherPool.
func (q *OutQueue) GrabItems(dst *OutQueue) {
	if q == dst {
		return
	}
	dst.entries = append(dst.entries, q.entries...)
	q.entries = nil
}

// GrabItemsToOtherPool is GrabItems for the case where dst is backed by
// a different streamid.Pool than q (migrating a substream's backlog
// onto another live substream after a connect or mid-session failure).
// Each entry's tag, if any, is released back to q's own pool and
// cleared, so dst draws a fresh tag from its own pool the next time the
// entry is popped.
func (q *OutQueue) GrabItemsToOtherPool(dst *OutQueue) {
	if q == dst {
		return
	}
	for _, e := range q.entries {
		q.ReleaseTag(e)
		e.Tag = 0
		e.TagSet = false
		dst.entries = append(dst.entries, e)
	}
	q.entries = nil
}

// GrabStateful moves only the stateful entries from q into dst,
// preserving the relative order of both the moved and the retained
// entries.
func (q *OutQueue) GrabStateful(dst *OutQueue) {
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if e.Stateful {
			dst.entries = append(dst.entries, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

// GrabExpired moves every entry whose deadline is at or before now
// into dst. An entry with a zero Expires never expires. now = the zero
// time is treated as "negative infinity": nothing is ever expired,
// matching the round-trip property that GrabExpired with now = -∞ is a
// no-op.
func (q *OutQueue) GrabExpired(dst *OutQueue, now time.Time) {
	if now.IsZero() {
		return
	}
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if !e.Expires.IsZero() && !e.Expires.After(now) {
			dst.entries = append(dst.entries, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

// GetSize returns the total number of pending entries.
func (q *OutQueue) GetSize() int {
	return len(q.entries)
}

// GetSizeStateless returns the number of pending stateless entries.
func (q *OutQueue) GetSizeStateless() int {
	n := 0
	for _, e := range q.entries {
		if !e.Stateful {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the queue has no pending entries.
func (q *OutQueue) IsEmpty() bool {
	return len(q.entries) == 0
}

// Report fails every entry currently in the queue with status and
// empties it. Each handler receives exactly one OnStatusReady call.
func (q *OutQueue) Report(status *xrderrors.Status) {
	for _, e := range q.entries {
		q.ReleaseTag(e)
		if e.Handler != nil {
			e.Handler.OnStatusReady(e.Msg, status)
		}
	}
	q.entries = nil
}
