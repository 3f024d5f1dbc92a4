package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ciss "github.com/ehrlich-b/go-ciss"
)

func simController(t *testing.T, delay time.Duration) (*ciss.Controller, *ciss.Simulator) {
	t.Helper()
	params := ciss.DefaultParams()
	params.EnableEvents = false
	board := ciss.DefaultSimConfig()
	board.AutoComplete = true
	board.AutoDelay = delay

	c, s, err := ciss.NewSimulated(context.Background(), params, board,
		&ciss.Options{LogLevel: "error", LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Detach() })
	return c, s
}

func TestRunWorkload(t *testing.T) {
	c, s := simController(t, 0)

	res, err := runWorkload(context.Background(), c, s, workload{Count: 200, Depth: 4, FailEvery: 10})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Completed)
	assert.Equal(t, 20, res.Failed)

	snap := c.MetricsSnapshot()
	assert.Equal(t, uint64(200), snap.Submits)
	assert.Equal(t, uint64(20), snap.CommandErrors)
	assert.LessOrEqual(t, snap.MaxOutstanding, uint32(4))

	require.NoError(t, c.Quiesce())
	assert.Equal(t, 0, c.Outstanding())
}

func TestRunWorkloadDelayed(t *testing.T) {
	c, s := simController(t, time.Millisecond)

	res, err := runWorkload(context.Background(), c, s, workload{Count: 50, Depth: 8})
	require.NoError(t, err)
	assert.Equal(t, 50, res.Completed)
	assert.Zero(t, res.Failed)
}

func TestRunWorkloadBadDepth(t *testing.T) {
	c, s := simController(t, 0)

	_, err := runWorkload(context.Background(), c, s, workload{Count: 1, Depth: 0})
	assert.Error(t, err)
	_, err = runWorkload(context.Background(), c, s, workload{Count: 1, Depth: c.Info().MaxCommands})
	assert.Error(t, err)
}

func TestRunWorkloadCancelled(t *testing.T) {
	c, s := simController(t, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := runWorkload(ctx, c, s, workload{Count: 100, Depth: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, res.Completed)
}

func TestLoadParamsOverrides(t *testing.T) {
	defer func() { configPath, ctlrName, transport = "", "", "" }()

	ctlrName = "array9"
	transport = "simple"
	p, err := loadParams()
	require.NoError(t, err)
	assert.Equal(t, "array9", p.Name)
	assert.Equal(t, "simple", p.Transport)

	transport = "bogus"
	_, err = loadParams()
	assert.True(t, ciss.IsCode(err, ciss.ErrCodeInvalidParameters))
}

func TestFormatNs(t *testing.T) {
	assert.Equal(t, "500ns", formatNs(500))
	assert.Equal(t, "1.5ms", formatNs(uint64(1500*time.Microsecond)))
	assert.Equal(t, "2s", formatNs(uint64(2*time.Second)))
}
