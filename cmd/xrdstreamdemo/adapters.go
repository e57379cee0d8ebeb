package main

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/schwicke/xrootd/internal/xlog"
	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/internal/xstream"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

var log = xlog.Logger("xrdstreamdemo")

// netSocket dials a real TCP connection on Connect and reports the
// outcome through the owning Stream's callbacks, the way a production
// poller's readiness loop would once the kernel reports completion.
// Framing and the handshake are out of scope for this demo, so a
// successful connect never actually writes or reads XRootD frames.
type netSocket struct {
	stream *xstream.Stream
	sub    uint16

	mu   sync.Mutex
	conn net.Conn
}

func (s *netSocket) Connect(addr types.ResolvedAddr, port int, window time.Duration) error {
	go func() {
		d := net.Dialer{Timeout: window}
		conn, err := d.Dial("tcp", net.JoinHostPort(addr.IP.String(), strconv.Itoa(port)))
		if err != nil {
			s.stream.OnConnectError(s.sub, xrderrors.Wrap(xrderrors.KindConnectionError, xrderrors.Error, "dial failed", err))
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.stream.OnConnect(s.sub)
	}()
	return nil
}

func (s *netSocket) EnableUplink()  {}
func (s *netSocket) DisableUplink() {}

func (s *netSocket) Query(kind xrdif.QueryKind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return "", xrderrors.ErrQueryNotSupported
	}
	switch kind {
	case xrdif.QueryIPAddr:
		return s.conn.RemoteAddr().String(), nil
	default:
		return "", nil
	}
}

func (s *netSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// netPoller mints one netSocket per call, numbering substreams in the
// strictly increasing order Stream always mints them in (0 for the
// primary, then 1, 2, ... for every extra substream it opens).
type netPoller struct {
	stream *xstream.Stream
	next   uint16
}

func (p *netPoller) NewSocket() xrdif.Socket {
	sock := &netSocket{stream: p.stream, sub: p.next}
	p.next++
	return sock
}

// newPollerFactory is the xstream.Deps.NewPoller function: it returns a
// fresh Poller bound to the specific Stream it will be handed to, so
// minted sockets always know which Stream to call back into.
func newPollerFactory(s *xstream.Stream) xrdif.Poller {
	return &netPoller{stream: s}
}

// singleSubStreamTransport is the simplest Transport a demo can get
// away with: it asks for exactly one substream, routes every message
// down substream 0, and never declares the stream broken or past its
// TTL, so the demo's lifecycle is driven purely by real connect
// outcomes rather than synthetic policy.
type singleSubStreamTransport struct{}

func (singleSubStreamTransport) MultiplexSubStream(*types.Message, xrdif.ChannelOwner) (xrdif.PathID, error) {
	return xrdif.PathID{}, nil
}

func (singleSubStreamTransport) FinalizeSubStream(_ *types.Message, path xrdif.PathID, _ xrdif.ChannelOwner) (xrdif.PathID, error) {
	return path, nil
}

func (singleSubStreamTransport) MessageReceived(*types.Message, uint16, xrdif.ChannelOwner) xrdif.Action {
	return xrdif.None
}

func (singleSubStreamTransport) MessageSent(*types.Message, uint16, int, xrdif.ChannelOwner) {}

func (singleSubStreamTransport) SubStreamNumber(xrdif.ChannelOwner) uint16 { return 1 }

func (singleSubStreamTransport) GetBindPreference(u types.URL, _ xrdif.ChannelOwner) types.URL {
	return u
}

func (singleSubStreamTransport) IsStreamTTLElapsed(time.Duration, xrdif.ChannelOwner) bool {
	return false
}

func (singleSubStreamTransport) IsStreamBroken(time.Duration, xrdif.ChannelOwner) *xrderrors.Status {
	return nil
}

func (singleSubStreamTransport) Query(xrdif.QueryKind, xrdif.ChannelOwner) (string, error) {
	return "", nil
}

// deferredTaskManager runs a registered task on a real timer, the way
// a production worker pool would, without pulling in a scheduler.
type deferredTaskManager struct{}

func (deferredTaskManager) RegisterTask(task xrdif.Task, when time.Time) {
	d := time.Until(when)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() { task.Run(time.Now()) })
}

// goroutineJobManager dispatches every job on its own goroutine so
// handler completion never runs on whatever called QueueJob.
type goroutineJobManager struct{}

func (goroutineJobManager) QueueJob(job xrdif.Job) { go job.Run() }

// noopIncomingQueue is adequate for a demo that only ever exercises the
// connect/reconnect lifecycle: no request is ever sent, so no handler
// is ever registered against it.
type noopIncomingQueue struct{}

func (noopIncomingQueue) AddMessageHandler(*types.Message, xrdif.MsgHandler, time.Time) error {
	return nil
}

func (noopIncomingQueue) ReAddMessageHandler(xrdif.MsgHandler, time.Time, xrdif.Action) error {
	return nil
}

func (noopIncomingQueue) RemoveMessageHandler(xrdif.MsgHandler) {}

func (noopIncomingQueue) GetHandlerForMessage(*types.Message) (xrdif.MsgHandler, time.Time, xrdif.Action, error) {
	return nil, time.Time{}, xrdif.None, xrderrors.New(xrderrors.KindLocalError, xrderrors.Error, "no handler registered")
}

func (noopIncomingQueue) AssignTimeout(xrdif.MsgHandler, time.Time) error { return nil }

func (noopIncomingQueue) ReportTimeout(time.Time) {}

func (noopIncomingQueue) ReportStreamEvent(xrdif.StreamEventKind, *xrderrors.Status) {}

// loggingPostMaster just narrates lifecycle decisions a real channel
// owner would act on (unhooking a Stream before it self-destructs on
// TTL, closing the channel on a substream-0 connect failure).
type loggingPostMaster struct{}

func (loggingPostMaster) NotifyConnect(u types.URL) {
	log.Info("postmaster: connect", "host", u.Host())
}

func (loggingPostMaster) NotifyConnectError(u types.URL) {
	log.Warn("postmaster: connect error", "host", u.Host())
}

func (loggingPostMaster) ForceDisconnect(u types.URL) {
	log.Warn("postmaster: force disconnect", "host", u.Host())
}

// channelEventLogger implements xrdif.ChannelEventHandler for the
// demo's one logical channel.
type channelEventLogger struct{}

func (channelEventLogger) OnStreamEvent(kind xrdif.StreamEventKind, status *xrderrors.Status) {
	if kind == xrdif.EventFatal {
		log.Error("channel event: fatal", "status", status)
		return
	}
	log.Warn("channel event: broken", "status", status)
}
