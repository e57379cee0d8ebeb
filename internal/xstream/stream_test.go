package xstream

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schwicke/xrootd/internal/config"
	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/internal/xstream/xstreamtest"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

// newTestStream builds an initialized Stream against a literal IP
// host, so address resolution never needs a real DNS lookup, plus the
// fakes it was initialized with for inspection.
func newTestStream(t *testing.T) (*Stream, *xstreamtest.Poller, *xstreamtest.Transport, *xstreamtest.IncomingQueue, *xstreamtest.Monitor, *xstreamtest.PostMaster) {
	t.Helper()
	url := types.NewURL("127.0.0.1", 1094, nil)
	cfg := config.Defaults()
	cfg.ConnectionWindow = time.Minute
	cfg.ConnectionRetry = 3
	cfg.StreamErrorWindow = time.Minute

	s := NewStream(url, types.URL{}, cfg)
	poller := xstreamtest.NewPoller()
	transport := xstreamtest.NewTransport()
	incoming := xstreamtest.NewIncomingQueue()
	monitor := xstreamtest.NewMonitor()
	postMaster := xstreamtest.NewPostMaster()

	s.Initialize(transport, poller, xstreamtest.NewTaskManager(), xstreamtest.NewJobManager(), incoming, monitor, postMaster, "owner")
	return s, poller, transport, incoming, monitor, postMaster
}

// newTestStreamWithJobs is newTestStream but also returns the
// JobManager fake, for tests asserting on incoming-dispatch behavior.
func newTestStreamWithJobs(t *testing.T) (*Stream, *xstreamtest.Poller, *xstreamtest.Transport, *xstreamtest.IncomingQueue, *xstreamtest.JobManager, *xstreamtest.PostMaster) {
	t.Helper()
	url := types.NewURL("127.0.0.1", 1094, nil)
	cfg := config.Defaults()
	cfg.ConnectionWindow = time.Minute
	cfg.ConnectionRetry = 3
	cfg.StreamErrorWindow = time.Minute

	s := NewStream(url, types.URL{}, cfg)
	poller := xstreamtest.NewPoller()
	transport := xstreamtest.NewTransport()
	incoming := xstreamtest.NewIncomingQueue()
	jobs := xstreamtest.NewJobManager()
	postMaster := xstreamtest.NewPostMaster()

	s.Initialize(transport, poller, xstreamtest.NewTaskManager(), jobs, incoming, xstreamtest.NewMonitor(), postMaster, "owner")
	return s, poller, transport, incoming, jobs, postMaster
}

func TestStream_EnableLinkDialsAndConnects(t *testing.T) {
	s, poller, _, _, monitor, postMaster := newTestStream(t)

	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)

	sock0 := poller.Socket(0)
	require.Len(t, sock0.ConnectCalls, 1)

	s.OnConnect(0)

	assert.NotZero(t, s.SessionID(), "SessionID must be set after a successful connect")
	assert.Len(t, monitor.Connects, 1)
	assert.Len(t, postMaster.ConnectCalls, 1)

	// A second EnableLink call against an already-connected primary
	// must be a cheap no-op that just enables the uplink.
	_, err = s.EnableLink(PathID{})
	require.NoError(t, err)
	assert.Len(t, sock0.ConnectCalls, 1, "re-EnableLink on a connected stream must not redial")
}

func TestStream_EnableLinkWhileConnectingIsNoop(t *testing.T) {
	s, _, _, _, _, _ := newTestStream(t)

	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	_, err = s.EnableLink(PathID{})
	require.NoError(t, err)
	assert.Zero(t, s.SessionID(), "SessionID must stay unset before any connect completes")
}

func TestStream_OnConnectErrorRetriesWithinWindow(t *testing.T) {
	s, poller, _, _, _, postMaster := newTestStream(t)

	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)

	s.OnConnectError(0, xrderrors.New(xrderrors.KindConnectionError, xrderrors.Error, "refused"))

	assert.Len(t, postMaster.ConnectErrCalls, 1)
	// A non-fatal error with addresses exhausted but still within the
	// connection window and retry budget defers to a scheduled
	// reconnect rather than redialing inline, so no further Connect
	// call is recorded yet.
	sock0 := poller.Socket(0)
	assert.Len(t, sock0.ConnectCalls, 1, "reconnect must be deferred, not dialed inline")
}

func TestStream_OnConnectErrorDrainsAddressListWithoutRepeatedNotify(t *testing.T) {
	s, poller, _, _, _, postMaster := newTestStream(t)

	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)

	sock0 := poller.Socket(0)
	s.mu.Lock()
	s.addresses = []types.ResolvedAddr{
		{IP: net.ParseIP("192.0.2.2"), Family: types.IPv4},
		{IP: net.ParseIP("192.0.2.3"), Family: types.IPv4},
	}
	s.mu.Unlock()
	sock0.Resolve = func(*xstreamtest.Socket, types.ResolvedAddr, int, time.Duration) error {
		return errors.New("refused")
	}

	s.OnConnectError(0, xrderrors.New(xrderrors.KindConnectionError, xrderrors.Error, "refused"))

	// One real external connect-error event came in, so exactly one
	// NotifyConnectError must fire even though the retry loop tried
	// every remaining address internally before giving up.
	assert.Len(t, postMaster.ConnectErrCalls, 1, "retrying across the address list must not re-notify per address")
	assert.Len(t, sock0.ConnectCalls, 3, "initial successful connect plus one failed dial per seeded address")
}

func TestStream_OnConnectErrorEscalatesToFatalAfterRetriesExhausted(t *testing.T) {
	s, _, _, incoming, _, _ := newTestStream(t)
	s.cfg.ConnectionRetry = 1
	s.cfg.ConnectionWindow = 0 // force "outside window" on the very first failure

	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)

	fatal := xrderrors.New(xrderrors.KindFatalError, xrderrors.Fatal, "auth rejected")
	s.OnConnectError(0, fatal)

	events := incoming.Events()
	require.Len(t, events, 1)
	assert.Equal(t, xrdif.EventFatal, events[0].Kind)
}

func TestStream_SendBeforeConnectEnqueuesAndDelivers(t *testing.T) {
	s, _, _, _, _, _ := newTestStream(t)
	handler := xstreamtest.NewHandler()
	msg := &types.Message{Payload: []byte("hello")}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Send(msg, handler, false, time.Time{}) }()

	// Send blocks inside EnableLink's connect loop only synchronously
	// (Connect itself never blocks), so it should return almost
	// immediately once the fake socket accepts the dial.
	require.NoError(t, <-errCh)

	s.OnConnect(0)

	wireMsg, wireHandler := s.OnReadyToWrite(0)
	assert.Same(t, msg, wireMsg)
	assert.NotNil(t, wireHandler)
	assert.Len(t, handler.ReadyToSend, 1)

	s.OnMessageSent(0, len(msg.Payload))

	assert.True(t, handler.Done(), "handler never got OnStatusReady after OnMessageSent")
	assert.Equal(t, uint64(len(msg.Payload)), s.BytesSent())
}

func TestStream_SendEnableLinkFailureReturnsErrorOnly(t *testing.T) {
	s, _, _, _, _, _ := newTestStream(t)
	s.mu.Lock()
	s.lastStreamError = time.Now()
	s.lastFatalError = xrderrors.New(xrderrors.KindFatalError, xrderrors.Fatal, "still broken")
	s.mu.Unlock()

	handler := xstreamtest.NewHandler()
	msg := &types.Message{Payload: []byte("x")}
	err := s.Send(msg, handler, false, time.Time{})

	assert.Error(t, err)
	assert.Empty(t, handler.StatusReady, "a synchronous Send failure must be reported to the caller only, not also to the handler")
}

func TestStream_SendThreadsEnableLinkPathIntoFinalize(t *testing.T) {
	s, _, transport, _, _, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	var capturedPath xrdif.PathID
	captured := false
	transport.FinalizeSubStreamFunc = func(_ *types.Message, path xrdif.PathID, _ xrdif.ChannelOwner) (xrdif.PathID, error) {
		capturedPath = path
		captured = true
		return path, nil
	}

	handler := xstreamtest.NewHandler()
	msg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(msg, handler, false, time.Time{}))

	require.True(t, captured, "FinalizeSubStream was never called")
	assert.Equal(t, xrdif.PathID{}, capturedPath, "FinalizeSubStream must receive the path EnableLink actually armed, not one independently re-decided")
}

func TestStream_SendRejectsStaleSession(t *testing.T) {
	s, _, _, _, _, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	msg := &types.Message{SessionID: s.SessionID() + 1}
	handler := xstreamtest.NewHandler()
	err = s.Send(msg, handler, false, time.Time{})
	assert.True(t, isInvalidSession(err), "Send with a stale session must fail with InvalidSession, got %v", err)
}

func isInvalidSession(err error) bool {
	status, ok := err.(*xrderrors.Status)
	return ok && status.Kind == xrderrors.KindInvalidSession
}

func TestStream_OnErrorReportsBrokenAndFailsStatefulEntries(t *testing.T) {
	s, _, _, incoming, monitor, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	handler := xstreamtest.NewHandler()
	msg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(msg, handler, true, time.Time{}))

	status := xrderrors.New(xrderrors.KindStreamBroken, xrderrors.Error, "reset by peer")
	s.OnError(0, status)

	assert.Len(t, monitor.Disconnects, 1)
	events := incoming.Events()
	require.Len(t, events, 1)
	assert.Equal(t, xrdif.EventBroken, events[0].Kind)
	assert.True(t, handler.Done(), "stateful handler never got a final disposition after OnError")
}

func TestStream_ForceErrorHushSuppressesStreamEvent(t *testing.T) {
	s, _, _, incoming, _, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	handler := xstreamtest.NewHandler()
	msg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(msg, handler, false, time.Time{}))

	s.ForceError(nil, true)

	assert.True(t, handler.Done(), "handler never got a final disposition from a hushed ForceError")
	assert.Empty(t, incoming.Events(), "a hushed ForceError must not report a stream event")
}

func TestStream_TickExpiresPastDeadlineEntries(t *testing.T) {
	s, _, _, _, _, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	handler := xstreamtest.NewHandler()
	past := time.Now().Add(-time.Minute)
	msg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(msg, handler, false, past))

	s.Tick(time.Now())

	assert.True(t, handler.Done(), "handler never got OnStatusReady after Tick expired its deadline")
}

func TestStream_ForceConnectRecoversFromStuckConnecting(t *testing.T) {
	s, poller, _, _, _, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	require.Equal(t, types.Connecting, s.subs[0].Status())

	require.NoError(t, s.ForceConnect())

	sock0 := poller.Socket(0)
	assert.Len(t, sock0.ConnectCalls, 2)
}

func TestStream_OnErrorRestoresPartialFenceOnRescuedInboundHandler(t *testing.T) {
	s, _, _, incoming, _, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	handler := xstreamtest.NewPartialHandler()
	reqMsg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(reqMsg, handler, false, time.Time{}))
	_, _ = s.OnReadyToWrite(0)
	s.OnMessageSent(0, 0)

	// A chunk arrives and is mid-parse (InstallIncHandler has run, the
	// handler occupies the substream's inbound slot) when the socket
	// errors out from underneath it.
	chunkMsg := &types.Message{Partial: true}
	require.NoError(t, incoming.AddMessageHandler(chunkMsg, handler, time.Time{}))
	_, err = s.InstallIncHandler(chunkMsg, 0)
	require.NoError(t, err)

	s.OnError(0, xrderrors.New(xrderrors.KindConnectionError, xrderrors.Error, "reset by peer"))

	assert.Equal(t, 1, handler.PartialCount(), "rescuing an in-flight inbound handler must lower its partial fence, not leave the stale total-transfer one")
}

func TestStream_OnIncomingNonPartialDispatchesToJobManager(t *testing.T) {
	s, _, _, incoming, jobs, _ := newTestStreamWithJobs(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	handler := xstreamtest.NewHandler()
	reqMsg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(reqMsg, handler, false, time.Time{}))
	_, _ = s.OnReadyToWrite(0)
	s.OnMessageSent(0, 0)

	rspMsg := &types.Message{}
	require.NoError(t, incoming.AddMessageHandler(rspMsg, handler, time.Time{}))
	raw, err := s.InstallIncHandler(rspMsg, 0)
	require.NoError(t, err)
	assert.Nil(t, raw, "handler never asked for Raw reading")

	s.OnIncoming(0, rspMsg, 64)

	assert.Equal(t, 1, jobs.Runs, "a non-partial response with a registered handler must be dispatched to the job manager exactly once")
	assert.Equal(t, s.SessionID(), rspMsg.SessionID, "OnIncoming must stamp the current session onto the arriving message")
}

func TestStream_OnIncomingDiscardsUnhandledMessage(t *testing.T) {
	s, _, _, _, jobs, _ := newTestStreamWithJobs(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	// No handler was ever installed for this substream's inbound slot.
	s.OnIncoming(0, &types.Message{}, 8)

	assert.Zero(t, jobs.Runs, "a message with no registered handler must be discarded, never dispatched")
}

func TestStream_InspectStatusRspMergesActionAndCanRemoveHandler(t *testing.T) {
	s, _, _, incoming, _, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	handler := xstreamtest.NewHandler()
	reqMsg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(reqMsg, handler, false, time.Time{}))
	_, _ = s.OnReadyToWrite(0)
	s.OnMessageSent(0, 0)

	rspMsg := &types.Message{}
	require.NoError(t, incoming.AddMessageHandler(rspMsg, handler, time.Time{}))
	_, err = s.InstallIncHandler(rspMsg, 0)
	require.NoError(t, err)

	handler.InspectFunc = func() xrdif.Action { return xrdif.RemoveHandler | xrdif.Corrupted }
	action, inspected := s.InspectStatusRsp(0)

	assert.Same(t, handler, inspected)
	assert.True(t, action.Has(xrdif.Corrupted))
	assert.False(t, action.Has(xrdif.RemoveHandler), "RemoveHandler is consumed internally, not part of the mask returned to the socket layer")
	require.Len(t, incoming.RemoveCalls(), 1)
	assert.Same(t, handler, incoming.RemoveCalls()[0])
}

// TestStream_PartialResponsesKeepHandlerAliveUntilFinalChunk drives
// scenario 5: three kXR_oksofar-style chunks each lower the handler's
// partial fence without dispatching a job, and the final, non-partial
// chunk is the one that reaches the job manager.
func TestStream_PartialResponsesKeepHandlerAliveUntilFinalChunk(t *testing.T) {
	s, _, _, incoming, jobs, _ := newTestStreamWithJobs(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	handler := xstreamtest.NewPartialHandler()
	reqMsg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(reqMsg, handler, true, time.Time{}))
	_, _ = s.OnReadyToWrite(0)
	s.OnMessageSent(0, 0)

	for i := 1; i <= 3; i++ {
		chunk := &types.Message{Partial: true}
		require.NoError(t, incoming.AddMessageHandler(chunk, handler, time.Time{}))
		_, err := s.InstallIncHandler(chunk, 0)
		require.NoError(t, err)

		handler.InspectFunc = func() xrdif.Action { return xrdif.Ignore }
		_, _ = s.InspectStatusRsp(0)

		s.OnIncoming(0, chunk, 16)

		assert.Equal(t, i, handler.PartialCount())
		assert.Zero(t, jobs.Runs, "no job may be queued while chunks are still partial")
	}

	final := &types.Message{}
	require.NoError(t, incoming.AddMessageHandler(final, handler, time.Time{}))
	_, err = s.InstallIncHandler(final, 0)
	require.NoError(t, err)
	handler.InspectFunc = func() xrdif.Action { return xrdif.None }

	s.OnIncoming(0, final, 16)

	assert.Equal(t, 1, jobs.Runs, "the final, non-partial chunk must be dispatched exactly once")
	assert.Equal(t, 3, handler.PartialCount(), "the final chunk must not itself be counted as a partial")
}

// TestStream_OnConnectSpawnsExtraSubstreamsAndDemotesAfterFailure drives
// scenario 2: Transport asks for 4 substreams, substreams 1-3 fail to
// connect and stay empty, and a later Send the transport routes to the
// now-dead substream 2 is demoted to substream 0 and handed out there.
func TestStream_OnConnectSpawnsExtraSubstreamsAndDemotesAfterFailure(t *testing.T) {
	s, poller, transport, _, _, _ := newTestStream(t)
	transport.SubStreamNumberFunc = func(xrdif.ChannelOwner) uint16 { return 4 }

	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	require.Equal(t, 4, s.SubStreamCount())
	for i := 1; i < 4; i++ {
		sock := poller.Socket(i)
		require.NotNil(t, sock, "substream %d must have been spawned with its own socket", i)
		assert.Len(t, sock.ConnectCalls, 1)
	}

	for i := uint16(1); i < 4; i++ {
		s.OnConnectError(i, xrderrors.New(xrderrors.KindConnectionError, xrderrors.Error, "refused"))
		assert.True(t, s.subs[i].OutQueue().IsEmpty(), "a failed extra substream with nothing queued must stay empty, not migrate anything")
	}

	transport.MultiplexSubStreamFunc = func(*types.Message, xrdif.ChannelOwner) (xrdif.PathID, error) {
		return xrdif.PathID{Up: 2, Down: 2}, nil
	}
	handler := xstreamtest.NewHandler()
	msg := &types.Message{SessionID: s.SessionID()}
	require.NoError(t, s.Send(msg, handler, false, time.Time{}))

	wireMsg, _ := s.OnReadyToWrite(0)
	assert.Same(t, msg, wireMsg, "a message routed to a dead substream must be demoted to substream 0")
	assert.True(t, s.subs[2].OutQueue().IsEmpty(), "the dead substream must never receive the demoted message")
}

// TestStream_OnReadTimeoutIdleTTLForcesDisconnect drives scenario 6:
// once the aggregate out-queue is empty and Transport judges the idle
// period past streamTTL, OnReadTimeout(0) must force a disconnect
// through the post-master and report false so the caller stops
// referring to this Stream.
func TestStream_OnReadTimeoutIdleTTLForcesDisconnect(t *testing.T) {
	s, _, transport, _, _, postMaster := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	transport.IsStreamTTLElapsedFunc = func(time.Duration, xrdif.ChannelOwner) bool { return true }

	alive := s.OnReadTimeout(0)

	assert.False(t, alive, "OnReadTimeout must report false once it has torn the stream down")
	require.Len(t, postMaster.ForceDiscCalls, 1)
	assert.Equal(t, s.URL(), postMaster.ForceDiscCalls[0])
}

func TestStream_OnReadTimeoutIgnoresNonPrimarySubstreams(t *testing.T) {
	s, _, transport, _, _, postMaster := newTestStream(t)
	transport.IsStreamTTLElapsedFunc = func(time.Duration, xrdif.ChannelOwner) bool { return true }

	assert.True(t, s.OnReadTimeout(1), "only substream 0 is ever TTL-checked")
	assert.Empty(t, postMaster.ForceDiscCalls)
}

func TestStream_OnReadTimeoutDelegatesBrokenDetectionToOnError(t *testing.T) {
	s, _, transport, incoming, _, _ := newTestStream(t)
	_, err := s.EnableLink(PathID{})
	require.NoError(t, err)
	s.OnConnect(0)

	broken := xrderrors.New(xrderrors.KindStreamBroken, xrderrors.Error, "idle socket looks dead")
	transport.IsStreamBrokenFunc = func(time.Duration, xrdif.ChannelOwner) *xrderrors.Status { return broken }

	alive := s.OnReadTimeout(0)

	assert.True(t, alive, "a broken-but-not-TTL-elapsed stream must not be torn down, only recovered via OnError")
	events := incoming.Events()
	require.Len(t, events, 1)
	assert.Equal(t, xrdif.EventBroken, events[0].Kind)
}
