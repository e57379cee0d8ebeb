// Package xlog provides the stream core's logging surface: a thin
// wrapper over log/slog that tags every record with a component name,
// the way the rest of the corpus names its per-package loggers.
package xlog

import (
	"context"
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// SetDefault replaces the process-wide default logger.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

// Logger returns a component-scoped logger. Calls always read the
// current default logger, so SetDefault takes effect for loggers
// already handed out.
func Logger(component string) *Component {
	return &Component{component: component}
}

// Component is a lazily-bound, component-scoped logger.
type Component struct {
	component string
}

func (c *Component) with() *slog.Logger {
	return defaultLogger.With("component", c.component)
}

func (c *Component) Debug(msg string, args ...any) { c.with().Debug(msg, args...) }
func (c *Component) Info(msg string, args ...any)  { c.with().Info(msg, args...) }
func (c *Component) Warn(msg string, args ...any)  { c.with().Warn(msg, args...) }
func (c *Component) Error(msg string, args ...any) { c.with().Error(msg, args...) }

func (c *Component) DebugContext(ctx context.Context, msg string, args ...any) {
	c.with().DebugContext(ctx, msg, args...)
}
func (c *Component) InfoContext(ctx context.Context, msg string, args ...any) {
	c.with().InfoContext(ctx, msg, args...)
}
func (c *Component) WarnContext(ctx context.Context, msg string, args ...any) {
	c.with().WarnContext(ctx, msg, args...)
}
func (c *Component) ErrorContext(ctx context.Context, msg string, args ...any) {
	c.with().ErrorContext(ctx, msg, args...)
}
