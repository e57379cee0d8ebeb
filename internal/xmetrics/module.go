package xmetrics

import "go.uber.org/fx"

// Module provides the process-wide metrics Collector.
var Module = fx.Module("xmetrics",
	fx.Provide(NewCollector),
)
