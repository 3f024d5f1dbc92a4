package ciss

import "github.com/ehrlich-b/go-ciss/internal/constants"

// Re-export constants for public API
const (
	DefaultMaxCommands       = constants.DefaultMaxCommands
	MaxPerfCommands          = constants.MaxPerfCommands
	DescriptorSize           = constants.DescriptorSize
	TagShift                 = constants.TagShift
	DefaultHeartbeatInterval = constants.DefaultHeartbeatInterval
	DefaultSyncTimeout       = constants.DefaultSyncTimeout
	DefaultPollTimeoutMs     = constants.DefaultPollTimeoutMs
)
