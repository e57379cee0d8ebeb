// Command xrdstreamdemo exercises the connection core end to end
// against a real TCP endpoint: it resolves an xroot:// URL, opens a
// Stream through the fx-wired Registry, and logs every connect,
// connect failure, and disconnect it observes until interrupted.
//
// The wire codec and handshake are not implemented by this module, so
// this demo never actually logs in or sends a request — it only drives
// and narrates the connection lifecycle.
//
// Usage:
//
//	go run ./cmd/xrdstreamdemo -addr xroot://eospublic.cern.ch:1094
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/schwicke/xrootd/internal/xmetrics"
	"github.com/schwicke/xrootd/internal/xmonitor"
	"github.com/schwicke/xrootd/internal/xstream"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

func main() {
	addr := flag.String("addr", "xroot://localhost:1094", "endpoint URL to connect to")
	prefer := flag.String("prefer", "", "optional preferred endpoint URL, reorders the resolved address list")
	tick := flag.Duration("tick", 5*time.Second, "interval at which the registry drives timed expiry")
	runFor := flag.Duration("for", 0, "exit automatically after this long (0 means run until interrupted)")
	flag.Parse()

	url, err := types.ParseURL(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xrdstreamdemo: %v\n", err)
		os.Exit(1)
	}
	preferURL := types.URL{}
	if *prefer != "" {
		preferURL, err = types.ParseURL(*prefer)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xrdstreamdemo: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received interrupt, shutting down")
		cancel()
	}()

	if *runFor > 0 {
		go func() {
			t := time.NewTimer(*runFor)
			defer t.Stop()
			select {
			case <-t.C:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	owner := uuid.New()

	app := fx.New(
		xmetrics.Module,
		xmonitor.Module,
		xstream.Module(*tick),
		fx.Provide(
			func() xrdif.TaskManager { return deferredTaskManager{} },
			func() xrdif.JobManager { return goroutineJobManager{} },
			func() xrdif.PostMaster { return loggingPostMaster{} },
			func() func(*xstream.Stream) xrdif.Poller { return newPollerFactory },
		),
		// fx's own startup/shutdown diagnostics go through zap rather
		// than xlog, so they stay out of the way of the demo's own
		// connection-lifecycle narration on stderr.
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.Invoke(func(lc fx.Lifecycle, reg *xstream.Registry) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go runDemo(ctx, reg, url, preferURL, owner)
					return nil
				},
			})
		}),
	)

	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "xrdstreamdemo: start: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "xrdstreamdemo: stop: %v\n", err)
	}
}

func runDemo(ctx context.Context, reg *xstream.Registry, url, prefer types.URL, owner xrdif.ChannelOwner) {
	stream := reg.Open(url, prefer, singleSubStreamTransport{}, noopIncomingQueue{}, owner, channelEventLogger{})

	log.Info("stream opened, forcing the first connect attempt", "host", url.Host(), "port", url.Port())
	if err := stream.ForceConnect(); err != nil {
		log.Error("force connect failed", "err", err)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("status",
				"session", stream.SessionID(),
				"substreams", stream.SubStreamCount(),
				"bytes_sent", stream.BytesSent(),
				"bytes_received", stream.BytesReceived(),
			)
		}
	}
}
