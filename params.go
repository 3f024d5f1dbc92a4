package ciss

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/ctrl"
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// Params contains parameters for attaching a controller
type Params struct {
	Name string `yaml:"name"` // Name used in logs and errors

	// Transport is "simple", "performant" or "" to prefer performant
	Transport   string `yaml:"transport"`
	MaxCommands int    `yaml:"max_commands"` // Cap on the command pool (0 = controller limit)

	// Timing
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SyncTimeout       time.Duration `yaml:"sync_timeout"`
	PollTimeoutMs     int           `yaml:"poll_timeout_ms"`
	DrainIterations   int           `yaml:"drain_iterations"`
	DrainInterval     time.Duration `yaml:"drain_interval"`
	ReadyWait         time.Duration `yaml:"ready_wait"`
	InitWait          time.Duration `yaml:"init_wait"`

	// Keep a notify-on-event command armed while attached
	EnableEvents bool `yaml:"enable_events"`

	// Interrupt mask bits; some boards use non-default positions
	SimpleIntrMask     uint32 `yaml:"simple_intr_mask"`
	PerformantIntrMask uint32 `yaml:"performant_intr_mask"`
	LockupIntrMask     uint32 `yaml:"lockup_intr_mask"`
}

// DefaultParams returns default controller parameters
func DefaultParams() Params {
	return Params{
		Name:               "ciss0",
		HeartbeatInterval:  constants.DefaultHeartbeatInterval,
		SyncTimeout:        constants.DefaultSyncTimeout,
		PollTimeoutMs:      constants.DefaultPollTimeoutMs,
		DrainIterations:    constants.DefaultDrainIterations,
		DrainInterval:      constants.DrainPollInterval,
		ReadyWait:          constants.ControllerReadyWait,
		InitWait:           constants.ControllerInitWait,
		EnableEvents:       true,
		SimpleIntrMask:     regs.IntrSimple,
		PerformantIntrMask: regs.IntrPerformant,
		LockupIntrMask:     regs.IntrLockup,
	}
}

// LoadParams reads YAML parameters from path. Fields the file leaves out
// keep their DefaultParams values.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()

	data, err := os.ReadFile(path)
	if err != nil {
		return p, WrapError("LOAD_PARAMS", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, NewError("LOAD_PARAMS", ErrCodeInvalidParameters, fmt.Sprintf("%s: %v", path, err))
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks parameters for consistency
func (p Params) Validate() error {
	invalid := func(format string, args ...any) error {
		return NewControllerError("VALIDATE", p.Name, ErrCodeInvalidParameters, fmt.Sprintf(format, args...))
	}

	if _, err := p.transport(); err != nil {
		return invalid("%v", err)
	}
	if p.MaxCommands < 0 || p.MaxCommands == 1 || p.MaxCommands > constants.MaxPerfCommands {
		return invalid("max_commands %d out of range (0 or 2-%d)", p.MaxCommands, constants.MaxPerfCommands)
	}
	if p.HeartbeatInterval < 0 || p.SyncTimeout < 0 || p.DrainInterval < 0 || p.ReadyWait < 0 || p.InitWait < 0 {
		return invalid("negative duration")
	}
	if p.PollTimeoutMs < 0 || p.DrainIterations < 0 {
		return invalid("negative poll bound")
	}
	if p.SimpleIntrMask&p.LockupIntrMask != 0 || p.PerformantIntrMask&p.LockupIntrMask != 0 {
		return invalid("lockup interrupt mask overlaps reply interrupt mask")
	}
	return nil
}

func (p Params) transport() (queue.Mode, error) {
	if p.Transport == "" {
		return queue.ModeUnknown, nil
	}
	return queue.ParseMode(p.Transport)
}

// toConfig converts Params to the engine's configuration
func (p Params) toConfig() ctrl.Config {
	mode, _ := p.transport()
	return ctrl.Config{
		Name:               p.Name,
		Transport:          mode,
		MaxCommands:        p.MaxCommands,
		HeartbeatInterval:  p.HeartbeatInterval,
		SyncTimeout:        p.SyncTimeout,
		PollTimeoutMs:      p.PollTimeoutMs,
		DrainIterations:    p.DrainIterations,
		DrainInterval:      p.DrainInterval,
		ReadyWait:          p.ReadyWait,
		InitWait:           p.InitWait,
		EnableEvents:       p.EnableEvents,
		SimpleIntrMask:     p.SimpleIntrMask,
		PerformantIntrMask: p.PerformantIntrMask,
		LockupIntrMask:     p.LockupIntrMask,
	}
}
