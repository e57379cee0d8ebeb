package xstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/schwicke/xrootd/internal/config"
	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

// Deps bundles the process-wide collaborators every Stream a Registry
// opens draws on: a factory binding one Poller to each Stream it mints
// sockets for (a Socket never carries its own substream index, so
// whatever mints it has to know which Stream it belongs to), the two
// background pools, and the optional monitoring/lifecycle hooks.
type Deps struct {
	fx.In

	NewPoller   func(*Stream) xrdif.Poller
	TaskManager xrdif.TaskManager
	JobManager  xrdif.JobManager
	Monitor     xrdif.Monitor     `optional:"true"`
	PostMaster  xrdif.PostMaster
}

// Registry owns every Stream opened against a given Transport +
// IncomingQueue pairing and implements the channel-collapse rule: two
// Open calls whose URLs resolve to the same addresses share one
// Stream rather than opening a second physical connection.
type Registry struct {
	mu      sync.Mutex
	streams []*Stream
	deps    Deps
}

// NewRegistry constructs an empty registry bound to deps. It is safe
// for concurrent use.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps}
}

// Open returns a Stream for url, reusing one already open for an
// address url's host collapses onto, or creating and Initializing a
// fresh one otherwise.
func (r *Registry) Open(
	url, prefer types.URL,
	transport xrdif.Transport,
	incomingQueue xrdif.IncomingQueue,
	owner xrdif.ChannelOwner,
	handlers ...xrdif.ChannelEventHandler,
) *Stream {
	r.mu.Lock()
	for _, s := range r.streams {
		if s.CanCollapse(url) {
			r.mu.Unlock()
			return s
		}
	}
	r.mu.Unlock()

	cfg := config.FromURL(url)
	s := NewStream(url, prefer, cfg)
	s.Initialize(transport, r.deps.NewPoller(s), r.deps.TaskManager, r.deps.JobManager, incomingQueue, r.deps.Monitor, r.deps.PostMaster, owner, handlers...)

	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	return s
}

// Streams returns a snapshot of every Stream the registry currently
// owns.
func (r *Registry) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, len(r.streams))
	copy(out, r.streams)
	return out
}

// Tick drives timed expiry on every owned Stream.
func (r *Registry) Tick(now time.Time) {
	for _, s := range r.Streams() {
		s.Tick(now)
	}
}

// CloseAll administratively tears down every owned Stream without
// firing stream-wide broken events — used on process shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.Streams() {
		s.ForceError(xrderrors.ErrOperationInterrupted, true)
	}
}

// Module wires a Registry into the fx graph and registers a
// lifecycle-scoped background ticker that drives timed expiry at
// tickInterval until the app stops.
func Module(tickInterval time.Duration) fx.Option {
	return fx.Module("xstream",
		fx.Provide(NewRegistry),
		fx.Invoke(func(lc fx.Lifecycle, reg *Registry) {
			registerTicker(lc, reg, tickInterval)
		}),
	)
}

func registerTicker(lc fx.Lifecycle, reg *Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case now := <-ticker.C:
						reg.Tick(now)
					case <-stop:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			close(stop)
			reg.CloseAll()
			return nil
		},
	})
}
