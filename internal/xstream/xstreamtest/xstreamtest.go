// Package xstreamtest provides in-memory fakes for every collaborator
// capability the connection core depends on (xrdif.Transport,
// xrdif.Poller/Socket, xrdif.TaskManager, xrdif.JobManager,
// xrdif.IncomingQueue, xrdif.Monitor, xrdif.PostMaster), so tests can
// drive a Stream end to end without a real socket or wire codec.
//
// Every fake exposes its behavior as overridable function fields with
// sensible defaults, plus a call log a test can assert against.
package xstreamtest

import (
	"sync"
	"time"

	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

// Socket is an in-memory xrdif.Socket whose Connect outcome is driven
// by the test rather than a real dial. Resolve defaults to succeeding
// immediately; set it (or call Succeed/Fail) to control the outcome.
type Socket struct {
	mu sync.Mutex

	// Resolve is called synchronously from Connect. The default
	// succeeds with no further action, leaving the test to call
	// Succeed/Fail itself once it wants the callback to fire.
	Resolve func(s *Socket, addr types.ResolvedAddr, port int, window time.Duration) error

	OnConnect      func()
	OnConnectError func(*xrderrors.Status)

	Closed        bool
	UplinkEnabled bool

	ConnectCalls []ConnectCall
}

// ConnectCall records one Connect invocation.
type ConnectCall struct {
	Addr   types.ResolvedAddr
	Port   int
	Window time.Duration
}

// NewSocket builds a Socket that succeeds immediately on Connect.
func NewSocket() *Socket {
	return &Socket{}
}

func (s *Socket) Connect(addr types.ResolvedAddr, port int, window time.Duration) error {
	s.mu.Lock()
	s.ConnectCalls = append(s.ConnectCalls, ConnectCall{Addr: addr, Port: port, Window: window})
	resolve := s.Resolve
	s.mu.Unlock()

	if resolve != nil {
		return resolve(s, addr, port, window)
	}
	return nil
}

func (s *Socket) EnableUplink()  { s.mu.Lock(); s.UplinkEnabled = true; s.mu.Unlock() }
func (s *Socket) DisableUplink() { s.mu.Lock(); s.UplinkEnabled = false; s.mu.Unlock() }

func (s *Socket) Query(xrdif.QueryKind) (string, error) { return "", nil }

func (s *Socket) Close() error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	return nil
}

// Succeed fires the OnConnect callback a test installed.
func (s *Socket) Succeed() {
	if s.OnConnect != nil {
		s.OnConnect()
	}
}

// Fail fires the OnConnectError callback a test installed.
func (s *Socket) Fail(status *xrderrors.Status) {
	if s.OnConnectError != nil {
		s.OnConnectError(status)
	}
}

// Poller mints Sockets in order and records every one it minted, so a
// test can reach back into socket N to drive its connect outcome.
type Poller struct {
	mu      sync.Mutex
	Sockets []*Socket
}

func NewPoller() *Poller {
	return &Poller{}
}

func (p *Poller) NewSocket() xrdif.Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := NewSocket()
	p.Sockets = append(p.Sockets, s)
	return s
}

// Socket returns the i-th socket minted by the poller, or nil if fewer
// than i+1 sockets have been minted yet.
func (p *Poller) Socket(i int) *Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Sockets) {
		return nil
	}
	return p.Sockets[i]
}

// TaskManager runs registered tasks synchronously when a test calls
// RunDue with a time at or after their schedule, rather than on a real
// clock.
type TaskManager struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

type scheduledTask struct {
	task xrdif.Task
	when time.Time
}

func NewTaskManager() *TaskManager {
	return &TaskManager{}
}

func (m *TaskManager) RegisterTask(task xrdif.Task, when time.Time) {
	m.mu.Lock()
	m.tasks = append(m.tasks, scheduledTask{task: task, when: when})
	m.mu.Unlock()
}

// RunDue runs every task whose scheduled time is at or before now and
// drops it from the pending list.
func (m *TaskManager) RunDue(now time.Time) {
	m.mu.Lock()
	var due []scheduledTask
	var pending []scheduledTask
	for _, t := range m.tasks {
		if !t.when.After(now) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	m.tasks = pending
	m.mu.Unlock()

	for _, t := range due {
		t.task.Run(now)
	}
}

// Pending reports how many tasks are still waiting to run.
func (m *TaskManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// JobManager runs every queued job synchronously and in-line, since
// tests care about ordering more than genuine off-thread dispatch.
type JobManager struct {
	mu   sync.Mutex
	Runs int
}

func NewJobManager() *JobManager {
	return &JobManager{}
}

func (m *JobManager) QueueJob(job xrdif.Job) {
	m.mu.Lock()
	m.Runs++
	m.mu.Unlock()
	job.Run()
}

// IncomingQueue is a minimal in-memory handler registry keyed by
// message pointer identity, matching how Stream hands it messages.
type IncomingQueue struct {
	mu          sync.Mutex
	handlers    map[*types.Message]entry
	events      []EventCall
	removeCalls []xrdif.MsgHandler
}

type entry struct {
	handler xrdif.MsgHandler
	expires time.Time
	action  xrdif.Action
}

// EventCall records one ReportStreamEvent invocation.
type EventCall struct {
	Kind   xrdif.StreamEventKind
	Status *xrderrors.Status
}

func NewIncomingQueue() *IncomingQueue {
	return &IncomingQueue{handlers: make(map[*types.Message]entry)}
}

func (q *IncomingQueue) AddMessageHandler(msg *types.Message, handler xrdif.MsgHandler, expires time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[msg]; exists {
		return xrdif.ErrHandlerAlreadyInstalled
	}
	q.handlers[msg] = entry{handler: handler, expires: expires}
	return nil
}

func (q *IncomingQueue) ReAddMessageHandler(handler xrdif.MsgHandler, expires time.Time, action xrdif.Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[&types.Message{}] = entry{handler: handler, expires: expires, action: action}
	return nil
}

func (q *IncomingQueue) RemoveMessageHandler(handler xrdif.MsgHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeCalls = append(q.removeCalls, handler)
	for msg, e := range q.handlers {
		if e.handler == handler {
			delete(q.handlers, msg)
		}
	}
}

// RemoveCalls returns every handler passed to RemoveMessageHandler.
func (q *IncomingQueue) RemoveCalls() []xrdif.MsgHandler {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]xrdif.MsgHandler, len(q.removeCalls))
	copy(out, q.removeCalls)
	return out
}

func (q *IncomingQueue) GetHandlerForMessage(msg *types.Message) (xrdif.MsgHandler, time.Time, xrdif.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.handlers[msg]
	if !ok {
		return nil, time.Time{}, xrdif.None, xrderrors.New(xrderrors.KindLocalError, xrderrors.Error, "no handler registered for message")
	}
	delete(q.handlers, msg)
	return e.handler, e.expires, e.action, nil
}

func (q *IncomingQueue) AssignTimeout(handler xrdif.MsgHandler, expires time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for msg, e := range q.handlers {
		if e.handler == handler {
			e.expires = expires
			q.handlers[msg] = e
		}
	}
	return nil
}

func (q *IncomingQueue) ReportTimeout(now time.Time) {
	q.mu.Lock()
	var expired []entry
	for msg, e := range q.handlers {
		if !e.expires.IsZero() && !e.expires.After(now) {
			expired = append(expired, e)
			delete(q.handlers, msg)
		}
	}
	q.mu.Unlock()

	for _, e := range expired {
		e.handler.OnStatusReady(nil, xrderrors.ErrOperationExpired)
	}
}

func (q *IncomingQueue) ReportStreamEvent(kind xrdif.StreamEventKind, status *xrderrors.Status) {
	q.mu.Lock()
	q.events = append(q.events, EventCall{Kind: kind, Status: status})
	pending := make([]entry, 0, len(q.handlers))
	for _, e := range q.handlers {
		pending = append(pending, e)
	}
	q.handlers = make(map[*types.Message]entry)
	q.mu.Unlock()

	for _, e := range pending {
		e.handler.OnStatusReady(nil, status)
	}
}

// Events returns every ReportStreamEvent call the queue has observed.
func (q *IncomingQueue) Events() []EventCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EventCall, len(q.events))
	copy(out, q.events)
	return out
}

// Transport is a configurable xrdif.Transport. Every method defaults
// to the most permissive behavior a single-path caller needs; a test
// overrides only the fields it cares about.
type Transport struct {
	MultiplexSubStreamFunc func(msg *types.Message, owner xrdif.ChannelOwner) (xrdif.PathID, error)
	FinalizeSubStreamFunc  func(msg *types.Message, path xrdif.PathID, owner xrdif.ChannelOwner) (xrdif.PathID, error)
	MessageReceivedFunc    func(msg *types.Message, sub uint16, owner xrdif.ChannelOwner) xrdif.Action
	SubStreamNumberFunc    func(owner xrdif.ChannelOwner) uint16
	IsStreamTTLElapsedFunc func(idle time.Duration, owner xrdif.ChannelOwner) bool
	IsStreamBrokenFunc     func(idle time.Duration, owner xrdif.ChannelOwner) *xrderrors.Status

	mu          sync.Mutex
	SentCalls   int
	BindPref    types.URL
}

func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) MultiplexSubStream(msg *types.Message, owner xrdif.ChannelOwner) (xrdif.PathID, error) {
	if t.MultiplexSubStreamFunc != nil {
		return t.MultiplexSubStreamFunc(msg, owner)
	}
	return xrdif.PathID{}, nil
}

func (t *Transport) FinalizeSubStream(msg *types.Message, path xrdif.PathID, owner xrdif.ChannelOwner) (xrdif.PathID, error) {
	if t.FinalizeSubStreamFunc != nil {
		return t.FinalizeSubStreamFunc(msg, path, owner)
	}
	return path, nil
}

func (t *Transport) MessageReceived(msg *types.Message, sub uint16, owner xrdif.ChannelOwner) xrdif.Action {
	if t.MessageReceivedFunc != nil {
		return t.MessageReceivedFunc(msg, sub, owner)
	}
	return xrdif.None
}

func (t *Transport) MessageSent(msg *types.Message, sub uint16, bytes int, owner xrdif.ChannelOwner) {
	t.mu.Lock()
	t.SentCalls++
	t.mu.Unlock()
}

func (t *Transport) SubStreamNumber(owner xrdif.ChannelOwner) uint16 {
	if t.SubStreamNumberFunc != nil {
		return t.SubStreamNumberFunc(owner)
	}
	return 1
}

func (t *Transport) GetBindPreference(u types.URL, owner xrdif.ChannelOwner) types.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.BindPref.IsZero() {
		return t.BindPref
	}
	return u
}

func (t *Transport) IsStreamTTLElapsed(idle time.Duration, owner xrdif.ChannelOwner) bool {
	if t.IsStreamTTLElapsedFunc != nil {
		return t.IsStreamTTLElapsedFunc(idle, owner)
	}
	return false
}

func (t *Transport) IsStreamBroken(idle time.Duration, owner xrdif.ChannelOwner) *xrderrors.Status {
	if t.IsStreamBrokenFunc != nil {
		return t.IsStreamBrokenFunc(idle, owner)
	}
	return nil
}

func (t *Transport) Query(kind xrdif.QueryKind, owner xrdif.ChannelOwner) (string, error) {
	return "", nil
}

// PostMaster records every lifecycle notification it receives.
type PostMaster struct {
	mu               sync.Mutex
	ConnectCalls     []types.URL
	ConnectErrCalls  []types.URL
	ForceDiscCalls   []types.URL
}

func NewPostMaster() *PostMaster {
	return &PostMaster{}
}

func (p *PostMaster) NotifyConnect(u types.URL) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, u)
	p.mu.Unlock()
}

func (p *PostMaster) NotifyConnectError(u types.URL) {
	p.mu.Lock()
	p.ConnectErrCalls = append(p.ConnectErrCalls, u)
	p.mu.Unlock()
}

func (p *PostMaster) ForceDisconnect(u types.URL) {
	p.mu.Lock()
	p.ForceDiscCalls = append(p.ForceDiscCalls, u)
	p.mu.Unlock()
}

// Monitor records every event it observes.
type Monitor struct {
	mu          sync.Mutex
	Connects    []xrdif.ConnectInfo
	Disconnects []xrdif.DisconnectInfo
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) OnConnect(info xrdif.ConnectInfo) {
	m.mu.Lock()
	m.Connects = append(m.Connects, info)
	m.mu.Unlock()
}

func (m *Monitor) OnDisconnect(info xrdif.DisconnectInfo) {
	m.mu.Lock()
	m.Disconnects = append(m.Disconnects, info)
	m.mu.Unlock()
}

// Handler is a minimal xrdif.MsgHandler recording every callback it
// receives.
type Handler struct {
	mu           sync.Mutex
	ReadyToSend  []*types.Message
	StatusReady  []StatusCall
	InspectFunc  func() xrdif.Action
}

// StatusCall records one OnStatusReady invocation.
type StatusCall struct {
	Msg    *types.Message
	Status *xrderrors.Status
}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) OnReadyToSend(msg *types.Message) {
	h.mu.Lock()
	h.ReadyToSend = append(h.ReadyToSend, msg)
	h.mu.Unlock()
}

func (h *Handler) OnStatusReady(msg *types.Message, status *xrderrors.Status) {
	h.mu.Lock()
	h.StatusReady = append(h.StatusReady, StatusCall{Msg: msg, Status: status})
	h.mu.Unlock()
}

func (h *Handler) InspectStatusRsp() xrdif.Action {
	if h.InspectFunc != nil {
		return h.InspectFunc()
	}
	return xrdif.None
}

// Done reports whether OnStatusReady has fired at least once.
func (h *Handler) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.StatusReady) > 0
}

// PartialHandler is a Handler that also implements xrdif.PartialAware,
// for tests driving the partial-response streaming path.
type PartialHandler struct {
	Handler

	mu       sync.Mutex
	Partials []*types.Message
}

func NewPartialHandler() *PartialHandler {
	return &PartialHandler{}
}

func (h *PartialHandler) PartialReceived(msg *types.Message) {
	h.mu.Lock()
	h.Partials = append(h.Partials, msg)
	h.mu.Unlock()
}

// PartialCount reports how many times PartialReceived has fired.
func (h *PartialHandler) PartialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Partials)
}
