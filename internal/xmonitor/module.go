package xmonitor

import (
	"go.uber.org/fx"

	"github.com/schwicke/xrootd/internal/xmetrics"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

// Module provides a single xrdif.Monitor that fans every event out to
// structured logging and to the process's Prometheus collector.
var Module = fx.Module("xmonitor",
	fx.Provide(provideMonitor),
)

func provideMonitor(collector *xmetrics.Collector) xrdif.Monitor {
	return Fanout{LoggingMonitor{}, collector}
}
