package ctrl

import (
	"time"

	"github.com/ehrlich-b/go-ciss/internal/constants"
	"github.com/ehrlich-b/go-ciss/internal/interfaces"
	"github.com/ehrlich-b/go-ciss/internal/logging"
	"github.com/ehrlich-b/go-ciss/internal/queue"
	"github.com/ehrlich-b/go-ciss/internal/regs"
)

// Config controls how a controller is brought up and supervised.
type Config struct {
	Name string

	// Transport to request; queue.ModeUnknown picks performant when the
	// board supports it.
	Transport queue.Mode

	// MaxCommands caps the pool below what the board reports; 0 = no cap.
	MaxCommands int

	HeartbeatInterval time.Duration
	SyncTimeout       time.Duration
	PollTimeoutMs     int
	DrainIterations   int
	DrainInterval     time.Duration
	ReadyWait         time.Duration
	InitWait          time.Duration
	ReadyPoll         time.Duration

	// EnableEvents keeps a notify-on-event command armed while attached.
	EnableEvents bool

	// Interrupt mask bits; zero selects the CISS defaults.
	SimpleIntrMask     uint32
	PerformantIntrMask uint32
	LockupIntrMask     uint32

	Logger   *logging.Logger
	Observer interfaces.Observer
}

// DefaultConfig returns the timings the firmware interface documents.
func DefaultConfig() Config {
	return Config{
		Name:               "ciss0",
		HeartbeatInterval:  constants.DefaultHeartbeatInterval,
		SyncTimeout:        constants.DefaultSyncTimeout,
		PollTimeoutMs:      constants.DefaultPollTimeoutMs,
		DrainIterations:    constants.DefaultDrainIterations,
		DrainInterval:      constants.DrainPollInterval,
		ReadyWait:          constants.ControllerReadyWait,
		InitWait:           constants.ControllerInitWait,
		ReadyPoll:          constants.ReadyPollInterval,
		SimpleIntrMask:     regs.IntrSimple,
		PerformantIntrMask: regs.IntrPerformant,
		LockupIntrMask:     regs.IntrLockup,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = d.SyncTimeout
	}
	if c.PollTimeoutMs <= 0 {
		c.PollTimeoutMs = d.PollTimeoutMs
	}
	if c.DrainIterations <= 0 {
		c.DrainIterations = d.DrainIterations
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.ReadyWait <= 0 {
		c.ReadyWait = d.ReadyWait
	}
	if c.InitWait <= 0 {
		c.InitWait = d.InitWait
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = d.ReadyPoll
	}
	if c.SimpleIntrMask == 0 {
		c.SimpleIntrMask = d.SimpleIntrMask
	}
	if c.PerformantIntrMask == 0 {
		c.PerformantIntrMask = d.PerformantIntrMask
	}
	if c.LockupIntrMask == 0 {
		c.LockupIntrMask = d.LockupIntrMask
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.Observer == nil {
		c.Observer = interfaces.NoOpObserver{}
	}
	return c
}

// Claim is the hardware handler's verdict on an interrupt.
type Claim bool

const (
	Unclaimed Claim = false
	Claimed   Claim = true
)

// Info describes an attached controller.
type Info struct {
	Name        string
	ServerName  string
	Transport   queue.Mode
	MaxCommands int
	BlockFetch  uint32
	MaxSG       uint32
	Outstanding int
	LockedUp    bool
	Quiesced    bool
	Events      uint64
	ServiceHits uint64
	IntrEnabled bool
}
