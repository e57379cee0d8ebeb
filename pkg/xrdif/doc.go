// Package xrdif defines the capability interfaces the stream core
// consumes from (and exposes to) its owning channel: Transport, the
// socket poller, the task and job managers, the incoming-handler
// registry, the optional monitor, and the post-master that owns
// cross-stream lifecycle decisions. The stream core is written against
// these seams only; within this module they are implemented just by the
// in-memory fakes in xstreamtest, the demo's minimal adapters, and the
// Monitor implementations in xmonitor and xmetrics.
package xrdif
