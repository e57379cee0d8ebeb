// Package session hands out the process-wide monotonically increasing
// session counter. Every successful substream-0 connect, across every
// Stream in the process, draws the next value; no two distinct
// Connected epochs — even on different Streams — ever share a value.
package session

import (
	"sync/atomic"

	"github.com/schwicke/xrootd/pkg/types"
)

var counter atomic.Uint64

// Next returns the next session id in the process-wide sequence. It
// starts at 1 so the zero value of types.SessionID can mean "unset".
func Next() types.SessionID {
	return types.SessionID(counter.Add(1))
}
