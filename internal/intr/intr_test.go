package intr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftDeliversOnce(t *testing.T) {
	s := NewSoft()
	defer s.Close()

	s.Raise()
	s.Raise()

	require.NoError(t, s.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestSoftMaskedRaiseIsLatched(t *testing.T) {
	s := NewSoft()
	defer s.Close()

	s.Raise()
	require.NoError(t, s.Wait(context.Background()))

	// raised while masked: delivered on unmask
	s.Raise()
	require.NoError(t, s.Unmask())
	require.NoError(t, s.Wait(context.Background()))
}

func TestSoftClose(t *testing.T) {
	s := NewSoft()
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Close")
	}
	assert.NoError(t, s.Close())
}

func TestOpenUIOMissingDevice(t *testing.T) {
	_, err := OpenUIO("/nonexistent/uio99")
	assert.Error(t, err)
}
