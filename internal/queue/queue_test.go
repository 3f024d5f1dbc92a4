package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// fifoRegs serves OutboundPostQueue reads from a slice.
type fifoRegs struct {
	words []uint32
	isr   uint32
}

func (f *fifoRegs) Read32(off uint32) uint32 {
	switch off {
	case regs.OutboundPostQueue:
		if len(f.words) == 0 {
			return constants.EmptyTag
		}
		w := f.words[0]
		f.words = f.words[1:]
		return w
	case regs.InterruptStatus:
		return f.isr
	}
	return 0
}

func (f *fifoRegs) Write32(uint32, uint32) {}
func (f *fifoRegs) Check() error           { return nil }

func TestSimpleDequeue(t *testing.T) {
	f := &fifoRegs{words: []uint32{2 << 6, 1 << 6}, isr: regs.IntrSimple}
	q := NewSimple(f)

	assert.Equal(t, ModeSimple, q.Mode())
	assert.True(t, q.Pending())

	w, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, uint32(2<<6), w)
	w, ok = q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, uint32(1<<6), w)

	w, ok = q.DequeueNext()
	assert.False(t, ok)
	assert.Equal(t, constants.EmptyTag, w)

	f.isr = 0
	assert.False(t, q.Pending())
}

// post writes a completion the way the controller does: the producer keeps
// its own index and indicator.
type producer struct {
	buf    *dma.Buffer
	n      int
	index  int
	cyclic uint32
}

func (p *producer) post(index uint32) {
	p.buf.StoreWord(p.index*constants.ReplyEntrySize, index<<constants.TagShift|p.cyclic)
	p.index++
	if p.index == p.n {
		p.index = 0
		p.cyclic ^= 1
	}
}

func newRing(t *testing.T, n int) (*Performant, *producer) {
	t.Helper()
	q, err := NewPerformant(dma.NewHeap(), n)
	require.NoError(t, err)
	return q, &producer{buf: q.Buffer(), n: n, cyclic: constants.ReplyInitCyclicIndicator}
}

func TestPerformantEmptyRing(t *testing.T) {
	q, _ := newRing(t, 4)

	assert.False(t, q.Pending())
	w, ok := q.DequeueNext()
	assert.False(t, ok)
	assert.Equal(t, constants.EmptyTag, w)

	idx, cyc := q.Cursor()
	assert.Equal(t, 0, idx)
	assert.Equal(t, uint32(1), cyc)
}

func TestPerformantIndicatorFlipsOncePerTraversal(t *testing.T) {
	const n = 4
	q, prod := newRing(t, n)

	flips := 0
	_, last := q.Cursor()
	for i := 0; i < 3*n; i++ {
		prod.post(uint32(i%n + 1))
		require.True(t, q.Pending())

		w, ok := q.DequeueNext()
		require.True(t, ok)
		assert.Equal(t, uint32(i%n+1), w>>constants.TagShift)

		idx, cyc := q.Cursor()
		assert.Equal(t, (i+1)%n, idx)
		if cyc != last {
			flips++
			assert.Zero(t, idx, "indicator may only flip on wrap")
		}
		last = cyc
		assert.False(t, q.Pending())
	}
	assert.Equal(t, 3, flips)
}

func TestPerformantStaleEntriesAfterWrap(t *testing.T) {
	q, prod := newRing(t, 2)

	prod.post(1)
	prod.post(2)
	for i := 0; i < 2; i++ {
		_, ok := q.DequeueNext()
		require.True(t, ok)
	}

	// slot 0 still holds the first pass's word with bit 0 set; after the
	// wrap the consumer expects 0 and must treat it as stale
	assert.False(t, q.Pending())
	_, ok := q.DequeueNext()
	assert.False(t, ok)

	prod.post(1)
	w, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, uint32(1<<constants.TagShift), w)
}

func TestPerformantReset(t *testing.T) {
	q, prod := newRing(t, 2)
	prod.post(1)
	prod.post(1)
	q.DequeueNext()
	q.DequeueNext()

	q.Reset()
	idx, cyc := q.Cursor()
	assert.Equal(t, 0, idx)
	assert.Equal(t, uint32(constants.ReplyInitCyclicIndicator), cyc)
	assert.False(t, q.Pending())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("performant")
	require.NoError(t, err)
	assert.Equal(t, ModePerformant, m)

	_, err = ParseMode("fast")
	assert.Error(t, err)
	assert.Equal(t, "mode(7)", Mode(7).String())
}

func TestNewPerformantInvalidSize(t *testing.T) {
	_, err := NewPerformant(dma.NewHeap(), 0)
	assert.Error(t, err)
}
