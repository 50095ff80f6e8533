package definition

import (
	"time"

	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

const (
	BroadcastPort    = 5973
	MulticastAddress = "224.1.1.1"
	MulticastPort    = 5007

	MaxEntries        = 20
	MaxTries          = 3
	MaxTimeouts       = 2
	BufferSize        = 1024
	MessageBufferSize = 50

	PollTimeout      = 100 * time.Millisecond
	HeartbeatTimeout = 10 * time.Second
)

// DefaultConfiguration is the link-local deployment every binary in
// the group must agree on.
func DefaultConfiguration(name string) *types.Configuration {
	return &types.Configuration{
		BroadcastPort:     BroadcastPort,
		MulticastAddress:  MulticastAddress,
		MulticastPort:     MulticastPort,
		MaxEntries:        MaxEntries,
		PollTimeout:       PollTimeout,
		HeartbeatTimeout:  HeartbeatTimeout,
		MaxTimeouts:       MaxTimeouts,
		MaxTries:          MaxTries,
		BufferSize:        BufferSize,
		MessageBufferSize: MessageBufferSize,
		Logger:            NewDefaultLogger(name),
	}
}

// Fill replaces zero values with the defaults, so callers can build a
// sparse configuration by hand.
func Fill(conf *types.Configuration, name string) *types.Configuration {
	if conf == nil {
		return DefaultConfiguration(name)
	}
	if conf.BroadcastPort == 0 {
		conf.BroadcastPort = BroadcastPort
	}
	if conf.MulticastAddress == "" {
		conf.MulticastAddress = MulticastAddress
	}
	if conf.MulticastPort == 0 {
		conf.MulticastPort = MulticastPort
	}
	if conf.MaxEntries == 0 {
		conf.MaxEntries = MaxEntries
	}
	if conf.PollTimeout == 0 {
		conf.PollTimeout = PollTimeout
	}
	if conf.HeartbeatTimeout == 0 {
		conf.HeartbeatTimeout = HeartbeatTimeout
	}
	if conf.MaxTimeouts == 0 {
		conf.MaxTimeouts = MaxTimeouts
	}
	if conf.MaxTries == 0 {
		conf.MaxTries = MaxTries
	}
	if conf.BufferSize == 0 {
		conf.BufferSize = BufferSize
	}
	if conf.MessageBufferSize == 0 {
		conf.MessageBufferSize = MessageBufferSize
	}
	if conf.Logger == nil {
		conf.Logger = NewDefaultLogger(name)
	}
	return conf
}
