package streamid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool(2)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)

	p.Release(a)
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, a, c, "Acquire after release should recycle the freed id")
}

func TestPool_ReleaseUnacquiredIsNoop(t *testing.T) {
	p := NewPool(1)
	p.Release(ID(99)) // must not panic or corrupt state

	assert.Equal(t, 0, p.InUse())
}

func TestPool_InUse(t *testing.T) {
	p := NewPool(3)
	assert.Equal(t, 0, p.InUse())

	id, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, p.InUse())

	p.Release(id)
	assert.Equal(t, 0, p.InUse())
}
