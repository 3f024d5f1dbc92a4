package ciss

import (
	"context"
	"io"

	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/sim"
)

// Simulator is an in-process model of a CISS controller. It holds posted
// commands until told to complete them (or completes them itself with
// SimConfig.AutoComplete), and can inject errors, spurious completions,
// heartbeat stalls and access faults.
// This is useful for testing applications that drive a Controller.
type Simulator = sim.Controller

// SimConfig describes the simulated board
type SimConfig = sim.Config

// DefaultSimConfig returns a small board supporting both transports
func DefaultSimConfig() SimConfig {
	return sim.DefaultConfig()
}

// NewSimulated attaches a Controller to a fresh Simulator. Detach the
// controller when done; it also shuts the simulator down.
func NewSimulated(ctx context.Context, params Params, simCfg SimConfig, options *Options) (*Controller, *Simulator, error) {
	if err := params.Validate(); err != nil {
		return nil, nil, err
	}

	heap := dma.NewHeap()
	s := sim.New(heap, simCfg)

	c, err := attach(ctx, params, s, s, heap, options)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	c.closers = []io.Closer{s}
	return c, s, nil
}
