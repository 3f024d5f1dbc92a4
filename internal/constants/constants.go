package constants

import "time"

// Pool and tag layout
const (
	// TagShift is the number of low bits of a tag word reserved for
	// controller status (cyclic indicator and error bits)
	TagShift = 6

	// TagErrorMask selects the driver-info/error nibble of a completion word
	TagErrorMask = 0xF

	// EmptyTag is the sentinel read from a drained reply queue
	EmptyTag uint32 = 0xFFFFFFFF

	// ReservedTag is the pool slot kept back for quiesce-time polled commands
	ReservedTag = 0

	// DefaultMaxCommands is used when the controller does not report a limit
	DefaultMaxCommands = 64

	// MaxPerfCommands caps the outstanding commands in performant mode
	MaxPerfCommands = 1024

	// DescriptorSize is the DMA size of one command descriptor (command list + error info)
	DescriptorSize = 512

	// DescriptorAlign keeps the low TagShift bits of descriptor addresses clear
	DescriptorAlign = 1 << TagShift
)

// Reply queue
const (
	// ReplyInitCyclicIndicator is the indicator value a fresh ring expects
	ReplyInitCyclicIndicator = 1

	// ReplyEntrySize is the size in bytes of one performant reply ring slot
	ReplyEntrySize = 8
)

// Performant transport block fetch
const (
	// BlockFetchIndex selects BlockFetchCnt[0] on every post
	BlockFetchIndex = 0

	// DefaultBlockFetchCount is used when firmware does not report a maximum
	DefaultBlockFetchCount = 35

	// MaxBlockFetchCount bounds the fetch count to a full command list
	MaxBlockFetchCount = 68
)

// Timing constants for controller lifecycle
const (
	// DefaultHeartbeatInterval is the health monitor tick
	DefaultHeartbeatInterval = 90 * time.Second

	// DefaultSyncTimeout bounds control-plane synchronous commands
	DefaultSyncTimeout = 90 * time.Second

	// DefaultPollTimeoutMs bounds polled commands on the quiesce path
	DefaultPollTimeoutMs = 90000

	// DefaultDrainIterations bounds the quiesce drain loop
	DefaultDrainIterations = 90000

	// DrainPollInterval is the wait between quiesce drain iterations
	DrainPollInterval = time.Millisecond

	// ControllerReadyWait bounds the wait for firmware to accept a transport change
	ControllerReadyWait = 90 * time.Second

	// ControllerInitWait bounds the wait for the scratchpad ready signature
	ControllerInitWait = 300 * time.Second

	// ReadyPollInterval is the poll interval while waiting for the controller
	ReadyPollInterval = 10 * time.Millisecond
)
