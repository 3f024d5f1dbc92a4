package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAlignmentAndResolve(t *testing.T) {
	h := NewHeap()

	a, err := h.Alloc(100, 64)
	require.NoError(t, err)
	b, err := h.Alloc(512, 64)
	require.NoError(t, err)

	assert.Zero(t, a.Phys()%64)
	assert.Zero(t, b.Phys()%64)
	assert.NotEqual(t, a.Phys(), b.Phys())
	assert.Greater(t, b.Phys(), a.Phys()+99)

	got, off, ok := h.Resolve(b.Phys() + 0x180)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, 0x180, off)

	b.Free()
	_, _, ok = h.Resolve(b.Phys())
	assert.False(t, ok)
	assert.Equal(t, 1, h.Live())
}

func TestHeapRejectsBadRequests(t *testing.T) {
	h := NewHeap()

	_, err := h.Alloc(0, 8)
	assert.Error(t, err)
	_, err = h.Alloc(16, 24)
	assert.Error(t, err)
}

func TestHeapFailAfter(t *testing.T) {
	h := NewHeap()
	h.FailAfter(2)

	_, err := h.Alloc(8, 8)
	require.NoError(t, err)
	_, err = h.Alloc(8, 8)
	assert.Error(t, err)
	_, err = h.Alloc(8, 8)
	assert.NoError(t, err)
}

func TestBufferAccessors(t *testing.T) {
	h := NewHeap()
	buf, err := h.Alloc(64, 8)
	require.NoError(t, err)

	buf.PutUint8(0, 0xAB)
	buf.PutUint16(2, 0x1234)
	buf.PutUint32(4, 0xDEADBEEF)
	buf.PutUint64(8, 0x0102030405060708)
	buf.StoreWord(16, 7)

	assert.Equal(t, uint8(0xAB), buf.Uint8(0))
	assert.Equal(t, uint16(0x1234), buf.Uint16(2))
	assert.Equal(t, uint32(0xDEADBEEF), buf.Uint32(4))
	assert.Equal(t, uint64(0x0102030405060708), buf.Uint64(8))
	assert.Equal(t, uint32(7), buf.LoadWord(16))

	buf.Zero()
	assert.Equal(t, make([]byte, 64), buf.Bytes())

	assert.Panics(t, func() { buf.LoadWord(2) })
}

func TestBufferFaultInjection(t *testing.T) {
	h := NewHeap()
	buf, err := h.Alloc(32, 8)
	require.NoError(t, err)

	assert.NoError(t, buf.Check())
	buf.InjectFault()
	assert.ErrorIs(t, buf.Check(), ErrHandle)
	buf.ClearFault()
	assert.NoError(t, buf.Check())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "device", ForDevice.String())
	assert.Equal(t, "cpu", ForCPU.String())
}
