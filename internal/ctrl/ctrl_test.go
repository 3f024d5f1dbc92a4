package ctrl

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/interfaces"
	"github.com/ehrlich-b/go-ciss/internal/intr"
	"github.com/ehrlich-b/go-ciss/internal/logging"
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
	"github.com/ehrlich-b/go-ciss/internal/sim"
)

const eventually = 2 * time.Second

type countingObserver struct {
	interfaces.NoOpObserver
	submits     atomic.Int64
	completions atomic.Int64
	spurious    atomic.Int64
	timeouts    atomic.Int64
	lockups     atomic.Int64
	impacts     atomic.Int64
}

func (o *countingObserver) ObserveSubmit(int)                     { o.submits.Add(1) }
func (o *countingObserver) ObserveCompletion(time.Duration, bool) { o.completions.Add(1) }
func (o *countingObserver) ObserveSpurious(uint32)                { o.spurious.Add(1) }
func (o *countingObserver) ObserveSyncTimeout()                   { o.timeouts.Add(1) }
func (o *countingObserver) ObserveLockup()                        { o.lockups.Add(1) }
func (o *countingObserver) ObserveServiceImpact(string)           { o.impacts.Add(1) }

type setup struct {
	sim    sim.Config
	cfg    Config
	noLine bool
}

func defaultSetup() setup {
	return setup{
		sim: sim.DefaultConfig(),
		cfg: Config{
			Name:            "test0",
			ReadyPoll:       time.Millisecond,
			PollTimeoutMs:   2000,
			DrainIterations: 2000,
			DrainInterval:   time.Millisecond,
			Logger:          quietLogger(),
		},
	}
}

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:   logging.LevelError,
		Output:  io.Discard,
		Sync:    true,
		NoColor: true,
	})
}

type harness struct {
	c    *Controller
	sim  *sim.Controller
	heap *dma.Heap
	obs  *countingObserver
}

func attach(t *testing.T, s setup) *harness {
	t.Helper()
	h := &harness{heap: dma.NewHeap(), obs: &countingObserver{}}
	h.sim = sim.New(h.heap, s.sim)
	s.cfg.Observer = h.obs

	var line intr.Line
	if !s.noLine {
		line = h.sim
	}
	c, err := Attach(context.Background(), h.sim, line, h.heap, s.cfg)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() {
		_ = c.Detach()
		_ = h.sim.Close()
	})
	return h
}

// recorder is an asynchronous completion callback that remembers the order
// of delivery and the outstanding count each delivery saw.
type recorder struct {
	c           *Controller
	mu          sync.Mutex
	tags        []uint32
	outstanding []int
}

func (r *recorder) done(b *cmdpool.Block, poolLocked bool) {
	r.mu.Lock()
	r.tags = append(r.tags, b.Tag())
	r.outstanding = append(r.outstanding, r.c.Outstanding())
	r.mu.Unlock()
	r.c.Pool().Release(b, poolLocked)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tags)
}

func (r *recorder) snapshot() ([]uint32, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.tags...), append([]int(nil), r.outstanding...)
}

func TestAttachPerformant(t *testing.T) {
	h := attach(t, defaultSetup())

	info := h.c.Info()
	assert.Equal(t, queue.ModePerformant, info.Transport)
	assert.Equal(t, "SIMARRAY", info.ServerName)
	assert.Equal(t, 16, info.MaxCommands)
	assert.Equal(t, uint32(35), info.BlockFetch)
	assert.True(t, info.IntrEnabled)
	assert.False(t, info.LockedUp)
	assert.Equal(t, uint32(regs.TransportPerformant), h.sim.ActiveTransport())
	assert.False(t, h.sim.Masked(regs.IntrPerformant))
	assert.False(t, h.sim.Masked(regs.IntrLockup))
	assert.Equal(t, 16, h.c.Pool().Len())
}

func TestAttachTransportSelection(t *testing.T) {
	t.Run("forced simple", func(t *testing.T) {
		s := defaultSetup()
		s.cfg.Transport = queue.ModeSimple
		h := attach(t, s)
		assert.Equal(t, queue.ModeSimple, h.c.Mode())
		assert.Equal(t, uint32(regs.TransportSimple), h.sim.ActiveTransport())
	})

	t.Run("board without performant", func(t *testing.T) {
		s := defaultSetup()
		s.sim.Transports = regs.TransportSimple
		h := attach(t, s)
		assert.Equal(t, queue.ModeSimple, h.c.Mode())
	})

	t.Run("performant requested but missing", func(t *testing.T) {
		s := defaultSetup()
		s.sim.Transports = regs.TransportSimple
		s.cfg.Transport = queue.ModePerformant
		heap := dma.NewHeap()
		_, err := Attach(context.Background(), sim.New(heap, s.sim), nil, heap, s.cfg)
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.Zero(t, heap.Live())
	})
}

func TestAttachCommandLimit(t *testing.T) {
	s := defaultSetup()
	s.cfg.MaxCommands = 8
	h := attach(t, s)
	assert.Equal(t, 8, h.c.Pool().Len())

	s = defaultSetup()
	s.sim.MaxCommands = 12
	s.sim.MaxPerfCommands = 0
	h = attach(t, s)
	assert.Equal(t, 12, h.c.Pool().Len())
}

func TestAttachFirmwareNeverReady(t *testing.T) {
	s := defaultSetup()
	s.sim.ReadyAfter = 1 << 30
	s.cfg.InitWait = 20 * time.Millisecond
	heap := dma.NewHeap()
	_, err := Attach(context.Background(), sim.New(heap, s.sim), nil, heap, s.cfg)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestAttachWaitsForFirmware(t *testing.T) {
	s := defaultSetup()
	s.sim.ReadyAfter = 5
	s.sim.AcceptAfter = 3
	h := attach(t, s)
	assert.Equal(t, queue.ModePerformant, h.c.Mode())
}

func TestBlockFetchCount(t *testing.T) {
	assert.Equal(t, uint32(35), blockFetchCount(0))
	assert.Equal(t, uint32(40), blockFetchCount(40))
	assert.Equal(t, uint32(68), blockFetchCount(200))
}

func TestErrorFlag(t *testing.T) {
	assert.False(t, errorFlag(cmdpool.TagWord(3)))
	assert.False(t, errorFlag(cmdpool.TagWord(3)|1))
	assert.True(t, errorFlag(cmdpool.TagWord(3)|1<<1))
	assert.True(t, errorFlag(cmdpool.TagWord(3)|1<<1|1))
}

func TestOutOfOrderCompletion(t *testing.T) {
	for _, mode := range []queue.Mode{queue.ModePerformant, queue.ModeSimple} {
		t.Run(mode.String(), func(t *testing.T) {
			s := defaultSetup()
			s.sim.MaxCommands = 4
			s.sim.MaxPerfCommands = 4
			s.cfg.Transport = mode
			h := attach(t, s)
			rec := &recorder{c: h.c}

			var tags []uint32
			for i := 0; i < 3; i++ {
				b, ok := h.c.Pool().Occupy()
				require.True(t, ok)
				b.Callback = rec.done
				require.NoError(t, h.c.Submit(b))
				tags = append(tags, b.Tag())
			}
			require.Equal(t, []uint32{1, 2, 3}, tags)
			assert.Equal(t, 3, h.c.Outstanding())
			assert.Zero(t, h.c.Pool().FreeCount())

			require.NoError(t, h.sim.Complete(3, 1, 2))
			require.Eventually(t, func() bool { return rec.count() == 3 }, eventually, time.Millisecond)

			got, seen := rec.snapshot()
			assert.Equal(t, []uint32{3, 1, 2}, got)
			assert.Equal(t, []int{2, 1, 0}, seen)
			assert.Zero(t, h.c.Outstanding())
			assert.ElementsMatch(t, []uint32{1, 2, 3}, h.c.Pool().FreeTags())
		})
	}
}

func TestSubmitRejects(t *testing.T) {
	h := attach(t, defaultSetup())

	b, ok := h.c.Pool().Occupy()
	require.True(t, ok)
	assert.ErrorIs(t, h.c.Submit(b), ErrNoCallback)

	b.Callback = func(*cmdpool.Block, bool) {}
	require.NoError(t, h.c.Submit(b))
	assert.ErrorIs(t, h.c.Submit(b), ErrNotOwner)
	assert.Equal(t, 1, h.c.Outstanding())
}

func TestSubmitDMAFault(t *testing.T) {
	h := attach(t, defaultSetup())

	b, ok := h.c.Pool().Occupy()
	require.True(t, ok)
	b.Callback = func(*cmdpool.Block, bool) {}
	b.DescBuffer().InjectFault()

	assert.ErrorIs(t, h.c.Submit(b), ErrHardwareAccess)
	assert.Zero(t, h.c.Outstanding())
	assert.Equal(t, cmdpool.OwnedBySubmitter, b.Owner())
	assert.Empty(t, h.sim.Posted())
	assert.Equal(t, int64(1), h.obs.impacts.Load())

	b.DescBuffer().ClearFault()
	assert.NoError(t, h.c.Submit(b))
}

func TestRegisterFaultIsReportedNotFatal(t *testing.T) {
	s := defaultSetup()
	s.sim.AutoComplete = true
	h := attach(t, s)
	rec := &recorder{c: h.c}

	h.sim.InjectAccessFault()
	b, ok := h.c.Pool().Occupy()
	require.True(t, ok)
	b.Callback = rec.done
	require.NoError(t, h.c.Submit(b))

	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, uint64(1), h.c.Info().ServiceHits)
	assert.Equal(t, int64(1), h.obs.impacts.Load())
}

func TestSpuriousCompletionsDiscarded(t *testing.T) {
	for _, mode := range []queue.Mode{queue.ModePerformant, queue.ModeSimple} {
		t.Run(mode.String(), func(t *testing.T) {
			s := defaultSetup()
			s.cfg.Transport = mode
			h := attach(t, s)
			rec := &recorder{c: h.c}

			b, ok := h.c.Pool().Occupy()
			require.True(t, ok)
			b.Callback = rec.done
			require.NoError(t, h.c.Submit(b))

			h.sim.InjectWord(cmdpool.TagWord(99)) // out of range
			h.sim.InjectWord(cmdpool.TagWord(0))  // reserved slot outside quiesce
			h.sim.InjectWord(cmdpool.TagWord(5))  // never posted
			require.NoError(t, h.sim.Complete(b.Tag()))

			require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
			require.Eventually(t, func() bool { return h.obs.spurious.Load() == 3 }, eventually, time.Millisecond)
			assert.Zero(t, h.c.Outstanding())
			assert.False(t, h.c.LockedUp())
		})
	}
}

func TestRepeatedCompletionDeliveredOnce(t *testing.T) {
	h := attach(t, defaultSetup())
	var calls atomic.Int32

	b, ok := h.c.Pool().Occupy()
	require.True(t, ok)
	tag := b.Tag()
	b.Callback = func(*cmdpool.Block, bool) { calls.Add(1) }
	require.NoError(t, h.c.Submit(b))
	require.NoError(t, h.sim.Complete(tag))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, eventually, time.Millisecond)

	h.sim.InjectWord(cmdpool.TagWord(tag))
	require.Eventually(t, func() bool { return h.obs.spurious.Load() == 1 }, eventually, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, h.c.Outstanding())
}

func TestCallbackSubmitsFollowUp(t *testing.T) {
	for _, mode := range []queue.Mode{queue.ModeSimple, queue.ModePerformant} {
		t.Run(mode.String(), func(t *testing.T) {
			s := defaultSetup()
			s.cfg.Transport = mode
			s.sim.AutoComplete = true
			h := attach(t, s)

			const hops = 5
			var count atomic.Int64
			done := make(chan struct{})
			var cb cmdpool.Callback
			cb = func(b *cmdpool.Block, poolLocked bool) {
				h.c.Pool().Release(b, poolLocked)
				if count.Add(1) == hops {
					close(done)
					return
				}
				next, ok := h.c.Pool().Occupy()
				if !assert.True(t, ok) {
					return
				}
				next.Callback = cb
				assert.NoError(t, h.c.Submit(next))
			}

			b, ok := h.c.Pool().Occupy()
			require.True(t, ok)
			b.Callback = cb
			require.NoError(t, h.c.Submit(b))

			select {
			case <-done:
			case <-time.After(eventually):
				t.Fatalf("chain stalled after %d completions", count.Load())
			}
			assert.Eventually(t, func() bool { return h.c.Outstanding() == 0 }, eventually, time.Millisecond)
			assert.Equal(t, int64(hops), h.obs.completions.Load())
		})
	}
}

func TestConcurrentSubmitExactlyOnce(t *testing.T) {
	s := defaultSetup()
	s.sim.AutoComplete = true
	h := attach(t, s)

	const workers, perWorker = 8, 50
	var delivered atomic.Int64
	perTag := make([]atomic.Int64, h.c.Pool().Len())
	cb := func(b *cmdpool.Block, poolLocked bool) {
		perTag[b.Tag()].Add(1)
		delivered.Add(1)
		h.c.Pool().Release(b, poolLocked)
	}

	var submitted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				var b *cmdpool.Block
				for {
					var ok bool
					if b, ok = h.c.Pool().Occupy(); ok {
						break
					}
					time.Sleep(50 * time.Microsecond)
				}
				b.Callback = cb
				if assert.NoError(t, h.c.Submit(b)) {
					submitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return delivered.Load() == submitted.Load() }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int64(workers*perWorker), submitted.Load())
	assert.Zero(t, h.c.Outstanding())
	assert.Equal(t, h.c.Pool().Len()-1, h.c.Pool().FreeCount())
	assert.Zero(t, h.sim.BadPosts())
	assert.Zero(t, h.obs.spurious.Load())

	var total int64
	for i := range perTag {
		total += perTag[i].Load()
	}
	assert.Equal(t, submitted.Load(), total)
}

func TestSyncSendCompletes(t *testing.T) {
	s := defaultSetup()
	s.sim.AutoComplete = true
	h := attach(t, s)

	b, err := h.c.SyncAlloc(64)
	require.NoError(t, err)
	require.NotNil(t, b.Payload)
	assert.Equal(t, cmdpool.SelfOccupied, b.State())
	tag := b.Tag()

	require.NoError(t, h.c.SyncSend(context.Background(), b, time.Second))
	assert.Equal(t, cmdpool.OwnedBySubmitter, b.Owner())
	assert.False(t, b.Pending)

	h.c.SyncFree(b)
	assert.True(t, h.c.Pool().IsFree(tag))
	assert.Nil(t, b.Payload)
}

func TestSyncSendCommandFailed(t *testing.T) {
	s := defaultSetup()
	s.sim.AutoComplete = true
	h := attach(t, s)

	b, err := h.c.SyncAlloc(0)
	require.NoError(t, err)
	defer h.c.SyncFree(b)

	h.sim.FailNext(b.Tag(), cmdpool.ErrorInfo{
		ScsiStatus:    0x02,
		CommandStatus: cmdpool.StatusHardwareErr,
		Sense:         []byte{0x70, 0, 0x04},
	})
	err = h.c.SyncSend(context.Background(), b, time.Second)
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.True(t, b.Failed)
	assert.Equal(t, cmdpool.StatusHardwareErr, b.ErrInfo.CommandStatus)
	assert.Equal(t, uint8(0x02), b.ErrInfo.ScsiStatus)
	assert.Equal(t, []byte{0x70, 0, 0x04}, b.ErrInfo.Sense)
}

func TestSyncSendZeroTimeout(t *testing.T) {
	h := attach(t, defaultSetup())

	b, err := h.c.SyncAlloc(16)
	require.NoError(t, err)
	tag := b.Tag()

	start := time.Now()
	err = h.c.SyncSend(context.Background(), b, 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), h.obs.timeouts.Load())

	// still held by the controller: abandoned, not freed
	h.c.SyncFree(b)
	assert.Equal(t, cmdpool.Abandoned, b.Owner())
	assert.False(t, h.c.Pool().IsFree(tag))

	require.NoError(t, h.sim.Complete(tag))
	require.Eventually(t, func() bool { return h.c.Pool().IsFree(tag) }, eventually, time.Millisecond)
	assert.Zero(t, h.c.Outstanding())
}

func TestSyncSendContext(t *testing.T) {
	h := attach(t, defaultSetup())

	t.Run("cancelled", func(t *testing.T) {
		b, err := h.c.SyncAlloc(0)
		require.NoError(t, err)
		defer h.c.SyncFree(b)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		assert.ErrorIs(t, h.c.SyncSend(ctx, b, time.Minute), ErrInterrupted)
	})

	t.Run("deadline", func(t *testing.T) {
		b, err := h.c.SyncAlloc(0)
		require.NoError(t, err)
		defer h.c.SyncFree(b)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, h.c.SyncSend(ctx, b, time.Minute), ErrTimeout)
	})

	t.Run("timeout", func(t *testing.T) {
		b, err := h.c.SyncAlloc(0)
		require.NoError(t, err)
		defer h.c.SyncFree(b)

		assert.ErrorIs(t, h.c.SyncSend(context.Background(), b, 20*time.Millisecond), ErrTimeout)
	})
}

func TestSyncAllocExhausted(t *testing.T) {
	s := defaultSetup()
	s.sim.MaxCommands = 3
	s.sim.MaxPerfCommands = 3
	h := attach(t, s)

	var held []*cmdpool.Block
	for i := 0; i < 2; i++ {
		b, err := h.c.SyncAlloc(0)
		require.NoError(t, err)
		held = append(held, b)
	}
	_, err := h.c.SyncAlloc(0)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	for _, b := range held {
		h.c.SyncFree(b)
	}
	assert.Equal(t, 2, h.c.Pool().FreeCount())
}

func TestSyncSendPoll(t *testing.T) {
	t.Run("completes with interrupts restored", func(t *testing.T) {
		s := defaultSetup()
		s.sim.AutoComplete = true
		h := attach(t, s)

		b, err := h.c.SyncAlloc(0)
		require.NoError(t, err)
		defer h.c.SyncFree(b)

		require.NoError(t, h.c.SyncSendPoll(b, 1000))
		assert.Equal(t, cmdpool.PollOccupied, b.State())
		assert.True(t, h.c.Info().IntrEnabled)
		assert.False(t, h.sim.Masked(regs.IntrPerformant))
	})

	t.Run("times out with interrupts restored", func(t *testing.T) {
		h := attach(t, defaultSetup())

		b, err := h.c.SyncAlloc(0)
		require.NoError(t, err)

		assert.ErrorIs(t, h.c.SyncSendPoll(b, 5), ErrTimeout)
		assert.True(t, h.c.Info().IntrEnabled)
		assert.False(t, h.sim.Masked(regs.IntrPerformant))

		h.c.SyncFree(b)
		assert.Equal(t, cmdpool.Abandoned, b.Owner())
	})

	t.Run("leaves disabled interrupts disabled", func(t *testing.T) {
		s := defaultSetup()
		s.sim.AutoComplete = true
		h := attach(t, s)
		h.c.IntrOnOff(false)

		b, err := h.c.SyncAlloc(0)
		require.NoError(t, err)
		defer h.c.SyncFree(b)

		require.NoError(t, h.c.SyncSendPoll(b, 1000))
		assert.False(t, h.c.Info().IntrEnabled)
		assert.True(t, h.sim.Masked(regs.IntrPerformant))
	})
}

func TestHeartbeatLockup(t *testing.T) {
	s := defaultSetup()
	s.noLine = true
	h := attach(t, s)

	h.c.Heartbeat()
	assert.False(t, h.c.LockedUp())

	h.sim.Wedge()
	h.c.Heartbeat()
	h.c.Heartbeat()
	require.True(t, h.c.LockedUp())
	assert.Equal(t, int64(1), h.obs.lockups.Load())
	assert.True(t, h.sim.Masked(regs.IntrPerformant))
	assert.False(t, h.c.Info().IntrEnabled)

	b, ok := h.c.Pool().Occupy()
	require.True(t, ok)
	b.Callback = func(*cmdpool.Block, bool) {}
	assert.ErrorIs(t, h.c.Submit(b), ErrLockedUp)
	assert.ErrorIs(t, h.c.Quiesce(), ErrLockedUp)
	assert.False(t, h.c.quiesceRun.Load())
	assert.ErrorIs(t, h.c.Reset(), ErrLockedUp)

	// sticky
	h.c.IntrOnOff(true)
	assert.True(t, h.c.LockedUp())
	assert.False(t, h.c.Info().IntrEnabled)
}

func TestLockupInterrupt(t *testing.T) {
	h := attach(t, defaultSetup())

	h.sim.Wedge()
	require.Eventually(t, h.c.LockedUp, eventually, time.Millisecond)
	assert.True(t, h.sim.Masked(regs.IntrLockup))
}

func TestHardwareISR(t *testing.T) {
	s := defaultSetup()
	s.noLine = true
	h := attach(t, s)
	rec := &recorder{c: h.c}

	assert.Equal(t, Unclaimed, h.c.HardwareISR())

	b, ok := h.c.Pool().Occupy()
	require.True(t, ok)
	b.Callback = rec.done
	require.NoError(t, h.c.Submit(b))
	require.NoError(t, h.sim.Complete(b.Tag()))

	assert.Equal(t, Claimed, h.c.HardwareISR())
	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	assert.Zero(t, h.c.Outstanding())

	h.sim.Wedge()
	assert.Equal(t, Claimed, h.c.HardwareISR())
	assert.True(t, h.c.LockedUp())
	assert.Equal(t, Claimed, h.c.HardwareISR())
}

func TestSyncSendWokenByLockup(t *testing.T) {
	s := defaultSetup()
	s.noLine = true
	h := attach(t, s)

	b, err := h.c.SyncAlloc(0)
	require.NoError(t, err)
	defer h.c.SyncFree(b)

	result := make(chan error, 1)
	go func() { result <- h.c.SyncSend(context.Background(), b, time.Minute) }()
	require.Eventually(t, func() bool { return len(h.sim.Posted()) == 1 }, eventually, time.Millisecond)

	h.sim.Wedge()
	h.c.Heartbeat()
	h.c.Heartbeat()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrLockedUp)
	case <-time.After(eventually):
		t.Fatal("SyncSend not woken by lockup")
	}
}

func TestLostInterruptRecovered(t *testing.T) {
	s := defaultSetup()
	s.noLine = true
	h := attach(t, s)
	rec := &recorder{c: h.c}

	b, ok := h.c.Pool().Occupy()
	require.True(t, ok)
	b.Callback = rec.done
	require.NoError(t, h.c.Submit(b))
	require.NoError(t, h.sim.Complete(b.Tag()))

	h.c.Heartbeat()
	require.Eventually(t, func() bool { return rec.count() == 1 }, eventually, time.Millisecond)
	assert.False(t, h.c.LockedUp())
}

func TestQuiesce(t *testing.T) {
	for _, mode := range []queue.Mode{queue.ModePerformant, queue.ModeSimple} {
		t.Run(mode.String(), func(t *testing.T) {
			s := defaultSetup()
			s.sim.AutoComplete = true
			s.sim.AutoDelay = 5 * time.Millisecond
			s.cfg.Transport = mode
			s.cfg.EnableEvents = true
			h := attach(t, s)
			rec := &recorder{c: h.c}
			require.True(t, h.sim.EventArmed())

			for i := 0; i < 4; i++ {
				b, ok := h.c.Pool().Occupy()
				require.True(t, ok)
				b.Callback = rec.done
				require.NoError(t, h.c.Submit(b))
			}

			require.NoError(t, h.c.Quiesce())
			assert.Zero(t, h.c.Outstanding())
			require.Eventually(t, func() bool { return rec.count() == 4 }, eventually, time.Millisecond)
			assert.Equal(t, 1, h.sim.Flushes())
			assert.False(t, h.sim.EventArmed())
			assert.False(t, h.c.EventsArmed())
			assert.True(t, h.c.Info().Quiesced)
			assert.False(t, h.c.Info().IntrEnabled)
			assert.Equal(t, h.c.Pool().Len()-1, h.c.Pool().FreeCount())

			require.NoError(t, h.c.Reset())
			require.NoError(t, h.c.Detach())
			assert.Equal(t, 1, h.sim.Flushes())
			assert.Zero(t, h.heap.Live())
		})
	}
}

func TestQuiesceFailsWithOutstandingWork(t *testing.T) {
	s := defaultSetup()
	s.cfg.DrainIterations = 5
	h := attach(t, s)

	b, ok := h.c.Pool().Occupy()
	require.True(t, ok)
	b.Callback = func(*cmdpool.Block, bool) {}
	require.NoError(t, h.c.Submit(b))

	err := h.c.Quiesce()
	require.ErrorIs(t, err, ErrQuiesce)
	assert.Equal(t, 1, h.c.Outstanding())
	assert.False(t, h.c.Info().Quiesced)
	assert.Zero(t, h.sim.Flushes())

	// the reserved slot is only honoured while a quiesce is running
	require.False(t, h.c.quiesceRun.Load())
	h.sim.InjectWord(cmdpool.TagWord(constants.ReservedTag))
	h.c.hwMu.Lock()
	delivered := h.c.retrieve()
	h.c.hwMu.Unlock()
	assert.Zero(t, delivered)
	assert.Equal(t, int64(1), h.obs.spurious.Load())
}

func TestDetachFlushesCache(t *testing.T) {
	s := defaultSetup()
	s.cfg.EnableEvents = true
	h := attach(t, s)
	require.True(t, h.sim.EventArmed())

	require.NoError(t, h.c.Detach())
	assert.Equal(t, 1, h.sim.Flushes())
	assert.False(t, h.sim.EventArmed())
	assert.Zero(t, h.heap.Live())
	assert.NoError(t, h.c.Detach())
}

func TestFlushCache(t *testing.T) {
	h := attach(t, defaultSetup())

	require.NoError(t, h.c.FlushCache(context.Background()))
	assert.Equal(t, 1, h.sim.Flushes())
	assert.Equal(t, h.c.Pool().Len()-1, h.c.Pool().FreeCount())
}

func TestEventNotification(t *testing.T) {
	s := defaultSetup()
	s.cfg.EnableEvents = true
	h := attach(t, s)
	require.True(t, h.c.EventsArmed())

	for i := 1; i <= 3; i++ {
		require.Eventually(t, h.sim.EventArmed, eventually, time.Millisecond)
		require.True(t, h.sim.DeliverEvent())
		want := uint64(i)
		require.Eventually(t, func() bool { return h.c.Info().Events == want }, eventually, time.Millisecond)
	}
	require.Eventually(t, h.sim.EventArmed, eventually, time.Millisecond)
	assert.Equal(t, 1, h.c.Outstanding())
}

func TestBMICRequest(t *testing.T) {
	heap := dma.NewHeap()
	pool, err := cmdpool.New(heap, 2)
	require.NoError(t, err)
	defer pool.Close()

	b, ok := pool.Occupy()
	require.True(t, ok)
	require.NoError(t, setBMIC(b, bmicFlushCache, true, flushCacheSize))
	assert.Equal(t, []byte{0x27, 0, 0, 0, 0, 0, 0xC2, 0, 4, 0}, b.Desc().CDB())
	assert.Equal(t, uint8(cmdpool.TypeCommand|cmdpool.AttrSimple|cmdpool.DirWrite), b.Desc().TypeAttrDir())

	require.NoError(t, setBMIC(b, bmicNotifyEvent, false, eventBufSize))
	assert.Equal(t, []byte{0x26, 0, 0, 0, 0, 0, 0x64, 0x02, 0x00, 0}, b.Desc().CDB())
	assert.Equal(t, uint8(cmdpool.TypeCommand|cmdpool.AttrSimple|cmdpool.DirRead), b.Desc().TypeAttrDir())

	require.NoError(t, setBMIC(b, bmicCancelEvent, true, 0))
	assert.Equal(t, uint8(cmdpool.TypeCommand|cmdpool.AttrSimple|cmdpool.DirNone), b.Desc().TypeAttrDir())
}
