// Package ciss drives CISS ("Smart Array") storage controllers from user
// space: command submission, completion delivery, synchronous control
// commands, health monitoring and quiesce.
package ciss

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/ctrl"
	"github.com/ehrlich-b/go-ciss/internal/dma"
	"github.com/ehrlich-b/go-ciss/internal/intr"
	"github.com/ehrlich-b/go-ciss/internal/logging"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// Command is one slot of the controller's command pool. Fill its descriptor
// with SetRequest/AddSG, set Callback, then Submit it.
type Command = cmdpool.Block

// Callback is invoked once per completed command, with no controller lock
// held, so it may occupy and submit follow-up commands. poolLocked is
// passed through to Release.
type Callback = cmdpool.Callback

// ErrorInfo is the error block the controller writes for a failed command.
type ErrorInfo = cmdpool.ErrorInfo

// Controller is an attached CISS controller
type Controller struct {
	// Name identifies the controller in logs and errors
	Name string

	eng     *ctrl.Controller
	closers []io.Closer

	// Metrics and observability
	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	mu       sync.Mutex
	detached atomic.Bool
}

// Options contains additional options for attaching a controller
type Options struct {
	// Observer for metrics collection. Metrics() is always maintained; a
	// custom observer receives the same events alongside it.
	Observer Observer

	// Logging; empty values use the package default logger
	LogLevel  string    // "debug", "info", "warn", "error"
	LogFormat string    // "json" or "text"
	LogOutput io.Writer // default os.Stderr
}

// Hardware locates a physical controller
type Hardware struct {
	// ResourcePath is the sysfs BAR file, e.g.
	// /sys/bus/pci/devices/0000:03:00.0/resource0
	ResourcePath string

	// UIOPath is the interrupt device, e.g. /dev/uio0. Empty runs the
	// controller without interrupts: completions are found by polling and
	// by the health monitor.
	UIOPath string

	// UseUring waits for interrupts with io_uring (needs -tags giouring)
	UseUring bool
}

// Open maps a physical controller, initializes it and starts serving
// completions. The caller must Detach it.
func Open(ctx context.Context, params Params, hw Hardware, options *Options) (*Controller, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if hw.ResourcePath == "" {
		return nil, NewControllerError("OPEN", params.Name, ErrCodeInvalidParameters, "resource path required")
	}

	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}

	mmio, err := regs.OpenMMIO(hw.ResourcePath)
	if err != nil {
		return nil, openError(params.Name, err)
	}
	closers = append(closers, mmio)

	var line intr.Line
	if hw.UIOPath != "" {
		if hw.UseUring {
			l, err := intr.OpenUring(hw.UIOPath)
			if err != nil {
				cleanup()
				return nil, openError(params.Name, err)
			}
			line = l
		} else {
			u, err := intr.OpenUIO(hw.UIOPath)
			if err != nil {
				cleanup()
				return nil, openError(params.Name, err)
			}
			line = u
		}
		closers = append(closers, line)
	}

	pinned, err := dma.NewPinned()
	if err != nil {
		cleanup()
		return nil, openError(params.Name, err)
	}
	closers = append(closers, pinned)

	c, err := attach(ctx, params, mmio, line, pinned, options)
	if err != nil {
		cleanup()
		return nil, err
	}
	c.closers = closers
	return c, nil
}

func openError(name string, err error) error {
	e := NewControllerError("OPEN", name, ErrCodeNotSupported, err.Error())
	e.Inner = err
	return e
}

// attach brings up the engine on an already opened register file
func attach(ctx context.Context, params Params, f regs.File, line intr.Line, alloc dma.Allocator, options *Options) (*Controller, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}

	logger, err := newLogger(options)
	if err != nil {
		return nil, NewControllerError("ATTACH", params.Name, ErrCodeInvalidParameters, err.Error())
	}

	// Initialize metrics and observer
	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = teeObserver{observer, options.Observer}
	}

	cfg := params.toConfig()
	cfg.Logger = logger
	cfg.Observer = observer

	eng, err := ctrl.Attach(ctx, f, line, alloc, cfg)
	if err != nil {
		e := WrapError("ATTACH", err)
		e.Ctlr = params.Name
		return nil, e
	}

	return &Controller{
		Name:     params.Name,
		eng:      eng,
		metrics:  metrics,
		observer: observer,
		logger:   logger.WithController(params.Name),
	}, nil
}

func newLogger(options *Options) (*logging.Logger, error) {
	if options.LogLevel == "" && options.LogFormat == "" && options.LogOutput == nil {
		return logging.Default(), nil
	}
	cfg := logging.DefaultConfig()
	if options.LogLevel != "" {
		lvl, err := logging.ParseLevel(options.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = lvl
	}
	if options.LogFormat != "" {
		cfg.Format = options.LogFormat
	}
	cfg.Output = os.Stderr
	if options.LogOutput != nil {
		cfg.Output = options.LogOutput
	}
	return logging.NewLogger(cfg), nil
}

func (c *Controller) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	e := WrapError(op, err)
	e.Ctlr = c.Name
	return e
}

func (c *Controller) gone(op string) error {
	if !c.detached.Load() {
		return nil
	}
	return NewControllerError(op, c.Name, ErrCodeDeviceUnavailable, "controller detached")
}

// Occupy takes a free command from the pool
func (c *Controller) Occupy() (*Command, error) {
	if err := c.gone("OCCUPY"); err != nil {
		return nil, err
	}
	b, ok := c.eng.Pool().Occupy()
	if !ok {
		return nil, c.wrap("OCCUPY", ErrPoolExhausted)
	}
	return b, nil
}

// Release returns a command to the pool. Completion callbacks pass their
// poolLocked argument through. After Detach the pool is gone and Release
// does nothing.
func (c *Controller) Release(cmd *Command, poolLocked bool) {
	if c.detached.Load() {
		return
	}
	c.eng.Pool().Release(cmd, poolLocked)
}

// Submit posts a command. Its Callback runs exactly once when the
// controller completes it.
func (c *Controller) Submit(cmd *Command) error {
	if err := c.gone("SUBMIT"); err != nil {
		return err
	}
	return wrapCommandError("SUBMIT", c.Name, cmd.Tag(), c.eng.Submit(cmd))
}

// SyncAlloc reserves a command for a synchronous control request with a
// zeroed payload of size bytes
func (c *Controller) SyncAlloc(size int) (*Command, error) {
	if err := c.gone("SYNC_ALLOC"); err != nil {
		return nil, err
	}
	b, err := c.eng.SyncAlloc(size)
	if err != nil {
		return nil, c.wrap("SYNC_ALLOC", err)
	}
	return b, nil
}

// SyncSend submits cmd and sleeps until it completes, timeout passes, ctx is
// done, or the controller locks up. On ErrTimeout or ErrInterrupted the
// command is still in flight; SyncFree it and the pool reclaims it when the
// controller answers.
func (c *Controller) SyncSend(ctx context.Context, cmd *Command, timeout time.Duration) error {
	if err := c.gone("SYNC_SEND"); err != nil {
		return err
	}
	return wrapCommandError("SYNC_SEND", c.Name, cmd.Tag(), c.eng.SyncSend(ctx, cmd, timeout))
}

// SyncSendPoll submits cmd with interrupts disabled and polls for its
// completion for up to timeoutMs milliseconds
func (c *Controller) SyncSendPoll(cmd *Command, timeoutMs int) error {
	if err := c.gone("SYNC_SEND_POLL"); err != nil {
		return err
	}
	return wrapCommandError("SYNC_SEND_POLL", c.Name, cmd.Tag(), c.eng.SyncSendPoll(cmd, timeoutMs))
}

// SyncFree returns a synchronous command to the pool; a no-op after Detach
func (c *Controller) SyncFree(cmd *Command) {
	if c.detached.Load() {
		return
	}
	c.eng.SyncFree(cmd)
}

// FlushCache asks the controller to write back its cache
func (c *Controller) FlushCache(ctx context.Context) error {
	if err := c.gone("FLUSH_CACHE"); err != nil {
		return err
	}
	err := c.eng.FlushCache(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "cache flush failed", "error", err)
	}
	return c.wrap("FLUSH_CACHE", err)
}

// Quiesce stops new work, drains every outstanding command and flushes the
// cache. The controller stays attached but should only be detached after.
func (c *Controller) Quiesce() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gone("QUIESCE"); err != nil {
		return err
	}
	err := c.eng.Quiesce()
	if err != nil {
		c.logger.Error("quiesce failed", "error", err)
	}
	return c.wrap("QUIESCE", err)
}

// Reset prepares the controller for a reboot: the cache is flushed unless
// Quiesce already did it
func (c *Controller) Reset() error {
	if err := c.gone("RESET"); err != nil {
		return err
	}
	return c.wrap("RESET", c.eng.Reset())
}

// Detach stops the controller and releases its resources.
// This should be called to cleanly shut down a controller.
func (c *Controller) Detach() error {
	if c == nil {
		return NewError("DETACH", ErrCodeInvalidParameters, "nil controller")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.detached.CompareAndSwap(false, true) {
		return nil
	}

	err := c.eng.Detach()

	// Mark metrics as stopped
	c.metrics.Stop()

	for i := len(c.closers) - 1; i >= 0; i-- {
		if cerr := c.closers[i].Close(); cerr != nil {
			c.logger.Warn("close failed", "error", cerr)
		}
	}
	c.closers = nil
	return c.wrap("DETACH", err)
}

// LockedUp reports whether the controller has been declared dead
func (c *Controller) LockedUp() bool {
	return c.eng.LockedUp()
}

// Outstanding returns the number of commands the controller owns
func (c *Controller) Outstanding() int {
	return c.eng.Outstanding()
}

// EventsArmed reports whether event notification is running
func (c *Controller) EventsArmed() bool {
	return c.eng.EventsArmed()
}

// ControllerState represents the lifecycle state of a controller
type ControllerState string

const (
	// StateRunning indicates the controller is accepting commands
	StateRunning ControllerState = "running"
	// StateQuiesced indicates a quiesce completed
	StateQuiesced ControllerState = "quiesced"
	// StateLockedUp indicates the controller stopped responding
	StateLockedUp ControllerState = "locked_up"
	// StateDetached indicates Detach was called
	StateDetached ControllerState = "detached"
)

// State returns the current state of the controller
func (c *Controller) State() ControllerState {
	if c == nil || c.detached.Load() {
		return StateDetached
	}
	if c.eng.LockedUp() {
		return StateLockedUp
	}
	if c.eng.Info().Quiesced {
		return StateQuiesced
	}
	return StateRunning
}

// ControllerInfo contains information about an attached controller
type ControllerInfo struct {
	Name         string          `json:"name"`
	Server       string          `json:"server"`
	State        ControllerState `json:"state"`
	Transport    string          `json:"transport"`
	MaxCommands  int             `json:"max_commands"`
	BlockFetch   uint32          `json:"block_fetch"`
	MaxSG        uint32          `json:"max_sg"`
	Outstanding  int             `json:"outstanding"`
	Events       uint64          `json:"events"`
	ServiceHits  uint64          `json:"service_impacts"`
	InterruptsOn bool            `json:"interrupts_enabled"`
}

// Info returns information about the controller
func (c *Controller) Info() ControllerInfo {
	if c == nil {
		return ControllerInfo{}
	}
	in := c.eng.Info()
	return ControllerInfo{
		Name:         c.Name,
		Server:       in.ServerName,
		State:        c.State(),
		Transport:    in.Transport.String(),
		MaxCommands:  in.MaxCommands,
		BlockFetch:   in.BlockFetch,
		MaxSG:        in.MaxSG,
		Outstanding:  in.Outstanding,
		Events:       in.Events,
		ServiceHits:  in.ServiceHits,
		InterruptsOn: in.IntrEnabled,
	}
}

// Metrics returns the live metrics of the controller
func (c *Controller) Metrics() *Metrics {
	if c == nil {
		return nil
	}
	return c.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of controller metrics
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	if c == nil || c.metrics == nil {
		return MetricsSnapshot{}
	}
	return c.metrics.Snapshot()
}

// teeObserver feeds two observers
type teeObserver struct {
	a, b Observer
}

func (t teeObserver) ObserveSubmit(outstanding int) {
	t.a.ObserveSubmit(outstanding)
	t.b.ObserveSubmit(outstanding)
}

func (t teeObserver) ObserveCompletion(latency time.Duration, failed bool) {
	t.a.ObserveCompletion(latency, failed)
	t.b.ObserveCompletion(latency, failed)
}

func (t teeObserver) ObserveSpurious(word uint32) {
	t.a.ObserveSpurious(word)
	t.b.ObserveSpurious(word)
}

func (t teeObserver) ObserveInterrupt(claimed bool) {
	t.a.ObserveInterrupt(claimed)
	t.b.ObserveInterrupt(claimed)
}

func (t teeObserver) ObserveSyncTimeout() {
	t.a.ObserveSyncTimeout()
	t.b.ObserveSyncTimeout()
}

func (t teeObserver) ObserveLockup() {
	t.a.ObserveLockup()
	t.b.ObserveLockup()
}

func (t teeObserver) ObserveServiceImpact(source string) {
	t.a.ObserveServiceImpact(source)
	t.b.ObserveServiceImpact(source)
}
