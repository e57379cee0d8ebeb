package xstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schwicke/xrootd/internal/streamid"
	"github.com/schwicke/xrootd/internal/xrderrors"
	"github.com/schwicke/xrootd/pkg/types"
	"github.com/schwicke/xrootd/pkg/xrdif"
)

func TestOutQueue_PushPopFIFO(t *testing.T) {
	q := NewOutQueue(nil)
	first := Entry{Msg: &types.Message{Payload: []byte("first")}}
	second := Entry{Msg: &types.Message{Payload: []byte("second")}}
	q.PushBack(first)
	q.PushBack(second)

	e, ok := q.PopMessage()
	require.True(t, ok)
	assert.Same(t, first.Msg, e.Msg, "PopMessage must return the oldest entry first")
	assert.False(t, e.TagSet, "entry popped from an untagged queue got TagSet=true")
	assert.Equal(t, 1, q.GetSize())
}

func TestOutQueue_PopMessageAcquiresTag(t *testing.T) {
	pool := streamid.NewPool(4)
	q := NewOutQueue(pool)
	q.PushBack(Entry{})

	e, ok := q.PopMessage()
	require.True(t, ok)
	require.True(t, e.TagSet, "popped entry from a tagged queue has TagSet=false")
	assert.Equal(t, 1, pool.InUse())

	q.ReleaseTag(e)
	assert.Equal(t, 0, pool.InUse())
}

func TestOutQueue_PopMessagePreservesExistingTag(t *testing.T) {
	pool := streamid.NewPool(4)
	q := NewOutQueue(pool)
	tag, err := pool.Acquire()
	require.NoError(t, err)
	q.PushFront(Entry{Tag: tag, TagSet: true})

	e, ok := q.PopMessage()
	require.True(t, ok)
	assert.Equal(t, tag, e.Tag, "PopMessage must not re-tag a rescued entry")
	assert.Equal(t, 1, pool.InUse(), "no second acquire should happen")
}

func TestOutQueue_GrabItemsIntoSelfIsNoOp(t *testing.T) {
	q := NewOutQueue(nil)
	q.PushBack(Entry{})
	q.GrabItems(q)
	assert.Equal(t, 1, q.GetSize(), "GrabItems into itself must not change size")
}

func TestOutQueue_GrabItemsMovesEntriesInOrder(t *testing.T) {
	src := NewOutQueue(nil)
	dst := NewOutQueue(nil)
	src.PushBack(Entry{Stateful: false})
	src.PushBack(Entry{Stateful: true})

	src.GrabItems(dst)

	assert.True(t, src.IsEmpty(), "source queue must be empty after GrabItems")
	require.Equal(t, 2, dst.GetSize())
	assert.False(t, dst.entries[0].Stateful, "first pushed entry must stay first")
	assert.True(t, dst.entries[1].Stateful, "second pushed entry must stay second")
}

func TestOutQueue_GrabItemsToOtherPoolReleasesSourceTag(t *testing.T) {
	srcPool := streamid.NewPool(2)
	dstPool := streamid.NewPool(2)
	src := NewOutQueue(srcPool)
	dst := NewOutQueue(dstPool)

	src.PushBack(Entry{})
	popped, ok := src.PopMessage()
	require.True(t, ok)
	src.PushFront(popped) // simulate an in-flight entry being rescued back in

	require.Equal(t, 1, srcPool.InUse())

	src.GrabItemsToOtherPool(dst)

	assert.Equal(t, 0, srcPool.InUse(), "migration must release the source tag")
	assert.Equal(t, 0, dstPool.InUse(), "no tag should be drawn until the entry is popped")

	e, ok := dst.PopMessage()
	require.True(t, ok)
	assert.True(t, e.TagSet, "entry popped from dst after migration has TagSet=false")
	assert.Equal(t, 1, dstPool.InUse())
}

func TestOutQueue_GrabStatefulSplitsByFlag(t *testing.T) {
	src := NewOutQueue(nil)
	dst := NewOutQueue(nil)
	src.PushBack(Entry{Stateful: true})
	src.PushBack(Entry{Stateful: false})
	src.PushBack(Entry{Stateful: true})

	src.GrabStateful(dst)

	assert.Equal(t, 2, dst.GetSize())
	assert.Equal(t, 1, src.GetSize())
	for _, e := range src.entries {
		assert.False(t, e.Stateful, "stateful entry left behind in source queue")
	}
}

func TestOutQueue_GrabExpiredMovesOnlyPastDeadline(t *testing.T) {
	now := time.Now()
	src := NewOutQueue(nil)
	dst := NewOutQueue(nil)
	src.PushBack(Entry{Expires: now.Add(-time.Second)}) // expired
	src.PushBack(Entry{Expires: now.Add(time.Hour)})    // not yet
	src.PushBack(Entry{})                               // never expires

	src.GrabExpired(dst, now)

	assert.Equal(t, 1, dst.GetSize())
	assert.Equal(t, 2, src.GetSize())
}

func TestOutQueue_GrabExpiredZeroNowIsNoop(t *testing.T) {
	src := NewOutQueue(nil)
	dst := NewOutQueue(nil)
	src.PushBack(Entry{Expires: time.Now().Add(-time.Hour)})

	src.GrabExpired(dst, time.Time{})

	assert.True(t, dst.IsEmpty(), "GrabExpired with zero now must not move an entry")
	assert.Equal(t, 1, src.GetSize())
}

func TestOutQueue_ReportFailsEveryHandlerOnce(t *testing.T) {
	pool := streamid.NewPool(2)
	q := NewOutQueue(pool)
	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	q.PushBack(Entry{Handler: h1})
	q.PushBack(Entry{Handler: h2})
	tagged, _ := q.PopMessage() // h1 gets tagged
	q.PushFront(tagged)

	status := xrderrors.New(xrderrors.KindStreamBroken, xrderrors.Error, "test")
	q.Report(status)

	assert.True(t, q.IsEmpty())
	assert.Equal(t, 1, h1.calls)
	assert.Equal(t, 1, h2.calls)
	assert.Equal(t, 0, pool.InUse())
}

type recordingHandler struct {
	calls int
}

func (h *recordingHandler) OnReadyToSend(*types.Message) {}

func (h *recordingHandler) OnStatusReady(*types.Message, *xrderrors.Status) {
	h.calls++
}

func (h *recordingHandler) InspectStatusRsp() xrdif.Action { return xrdif.None }
