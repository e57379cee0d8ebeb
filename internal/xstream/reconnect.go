package xstream

import (
	"time"

	"github.com/schwicke/xrootd/internal/xlog"
)

var reconnectLog = xlog.Logger("xstream.reconnect")

// reconnectTask is the deferred trigger registered with the task
// manager after a substream-0 connect failure that is still within its
// error budget. When it runs it re-enters EnableLink on the primary
// path, forcing a fresh address resolution.
type reconnectTask struct {
	stream *Stream
}

// newReconnectTask binds a reconnect attempt to stream.
func newReconnectTask(stream *Stream) *reconnectTask {
	return &reconnectTask{stream: stream}
}

// Run fires from the task manager's own goroutine at or after the
// scheduled time; it never blocks on I/O itself, only triggers
// EnableLink's non-blocking connect path.
func (t *reconnectTask) Run(now time.Time) {
	reconnectLog.Debug("reconnect task firing", "url", t.stream.url.String())
	if _, err := t.stream.EnableLink(PathID{}); err != nil {
		reconnectLog.Warn("reconnect attempt failed to enable link", "err", err)
	}
}

// scheduleReconnect registers a reconnect task at when with the
// stream's task manager. Callers must not hold the stream lock.
func (s *Stream) scheduleReconnect(when time.Time) {
	if s.taskManager == nil {
		return
	}
	s.taskManager.RegisterTask(newReconnectTask(s), when)
}
