// Package xmonitor adapts xrdif.Monitor to the process's structured
// logger and lets several Monitor implementations (logging, metrics)
// observe the same connect/disconnect events.
package xmonitor

import (
	"github.com/schwicke/xrootd/internal/xlog"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

var log = xlog.Logger("xmonitor")

// LoggingMonitor records every connect and disconnect as a structured
// log line.
type LoggingMonitor struct{}

// OnConnect implements xrdif.Monitor.
func (LoggingMonitor) OnConnect(info xrdif.ConnectInfo) {
	log.Info("stream connected",
		"host", info.URL.Host(),
		"port", info.URL.Port(),
		"substreams_up", info.StreamsUp,
		"since", info.Since,
	)
}

// OnDisconnect implements xrdif.Monitor.
func (LoggingMonitor) OnDisconnect(info xrdif.DisconnectInfo) {
	log.Warn("stream disconnected",
		"host", info.URL.Host(),
		"port", info.URL.Port(),
		"bytes_sent", info.BytesSent,
		"bytes_received", info.BytesRecv,
		"connected_for", info.ConnectedFor,
	)
}

var _ xrdif.Monitor = LoggingMonitor{}

// Fanout dispatches every event to each wrapped Monitor in order. A
// nil entry in the slice is skipped, so a caller can build the slice
// from a list that may contain an optional, possibly-unset collaborator.
type Fanout []xrdif.Monitor

// OnConnect implements xrdif.Monitor.
func (f Fanout) OnConnect(info xrdif.ConnectInfo) {
	for _, m := range f {
		if m != nil {
			m.OnConnect(info)
		}
	}
}

// OnDisconnect implements xrdif.Monitor.
func (f Fanout) OnDisconnect(info xrdif.DisconnectInfo) {
	for _, m := range f {
		if m != nil {
			m.OnDisconnect(info)
		}
	}
}

var _ xrdif.Monitor = Fanout(nil)
