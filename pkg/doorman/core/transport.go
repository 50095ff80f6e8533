package core

import (
	"github.com/pkg/errors"

	"github.com/lkettner/go-doorman/pkg/doorman/types"
)

var (
	// ErrClosed reports a send on a closed or unreachable in-memory
	// transport; the socket transports return their wrapped socket
	// errors instead.
	ErrClosed = errors.New("transport closed")
)

// Datagram is one decoded inbound payload together with the direct
// source it arrived from. The multicast engine needs the source to
// answer proposals and negative acknowledgements point to point.
type Datagram struct {
	Message types.Message
	From    string
}

// Broadcaster provides the link-local discovery plane: fire and
// forget datagrams to every listener on the subnet, deduplicated on
// the receiving side by message uuid.
type Broadcaster interface {
	// Send stamps a fresh msg_uuid and broadcasts the message.
	Send(message types.Message) error

	// Listen publishes deduplicated inbound broadcasts.
	Listen() <-chan Datagram

	Close() error
}

// Unicaster is the TCP plane. One connection carries exactly one
// message; Send reports plain success or failure and callers decide
// between retry and eviction.
type Unicaster interface {
	// Send connects, writes the whole payload and closes. Any failure
	// mode collapses to false.
	Send(message types.Message, to types.Address) bool

	// Listen publishes messages accepted on the local listener.
	Listen() <-chan Datagram

	// Addr is the endpoint advertised to the group.
	Addr() types.Address

	Close() error
}

// MulticastConn is the raw datagram plane under the reliable ordered
// multicast engine: unordered, lossy, group or point to point.
type MulticastConn interface {
	// SendGroup emits one datagram to the multicast group.
	SendGroup(message types.Message) error

	// SendTo emits one datagram to a direct source address.
	SendTo(message types.Message, to string) error

	// Listen publishes raw inbound datagrams with their source.
	Listen() <-chan Datagram

	Close() error
}
