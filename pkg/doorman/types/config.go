package types

import "time"

// Configuration carries everything a node needs to take part in the
// protocol. Values left at zero are filled by the definition package
// defaults.
type Configuration struct {
	// BroadcastPort is the fixed link-local discovery port.
	BroadcastPort int

	// MulticastAddress and MulticastPort form the reliable ordered
	// multicast group.
	MulticastAddress string
	MulticastPort    int

	// MaxEntries is the venue capacity the group enforces.
	MaxEntries int

	// PollTimeout bounds every blocking socket read so the readers
	// can observe shutdown.
	PollTimeout time.Duration

	// HeartbeatTimeout is the member beat interval; the leader checks
	// the table every HeartbeatTimeout plus a grace period.
	HeartbeatTimeout time.Duration

	// MaxTimeouts is the strike count that evicts a silent member.
	MaxTimeouts int

	// MaxTries bounds transport level retries.
	MaxTries int

	// BufferSize is the datagram receive buffer.
	BufferSize int

	// MessageBufferSize bounds the broadcast dedup window.
	MessageBufferSize int

	Logger Logger
}
