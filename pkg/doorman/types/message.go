package types

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	// Returned when a datagram does not decode into a message object.
	ErrMalformed = errors.New("malformed message payload")

	// Returned when a decoded message carries no intention tag and no
	// multicast purpose, so no layer can claim it.
	ErrUntagged = errors.New("message without intention or purpose")
)

// Address is one advertised TCP endpoint inside a group view or a
// client registry.
type Address struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Message is the single wire envelope of the protocol. Every payload is
// a flat JSON object and receivers dispatch on Intention (application
// layer) or Purpose (reliable ordered multicast layer); fields not
// meaningful for a given tag stay at their zero value and are elided,
// except the integer counter and Byzantine fields, which are always
// written.
type Message struct {
	Intention Intention `json:"intention,omitempty"`

	// Broadcast dedup identifier, fresh per broadcast emission.
	MsgUUID string `json:"msg_uuid,omitempty"`

	// Identity of the node the message talks about.
	UUID    string `json:"uuid,omitempty"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`

	// Membership payloads.
	Leader    string             `json:"leader,omitempty"`
	GroupView map[string]Address `json:"group_view,omitempty"`
	RNumbers  map[string]int     `json:"rnumbers,omitempty"`
	Queue     map[string]Message `json:"deliver_queue,omitempty"`

	// Counter payloads. Entries rides along on ACCEPT_SERVER,
	// UPDATE_ENTRIES and monitor snapshots; Value on RESUME and
	// MANUAL_VALUE_OVERRIDE. Zero is meaningful for both, so neither
	// is elided.
	Entries int `json:"entries"`
	Value   int `json:"value"`

	// Client admission payloads.
	Number   int  `json:"number,omitempty"`
	Increase bool `json:"increase,omitempty"`

	// Election payloads.
	Mid      string `json:"mid,omitempty"`
	IsLeader bool   `json:"is_leader,omitempty"`

	// Byzantine payloads.
	V      int      `json:"v"`
	Dests  []string `json:"dests,omitempty"`
	List   []string `json:"list,omitempty"`
	Faulty int      `json:"faulty"`
	From   string   `json:"from,omitempty"`
	Result int      `json:"result"`

	// Reliable ordered multicast envelope.
	Purpose  Purpose `json:"purpose,omitempty"`
	ID       string  `json:"id,omitempty"`
	Sender   string  `json:"sender,omitempty"`
	S        int     `json:"S,omitempty"`
	Original string  `json:"original,omitempty"`
	MesgID   string  `json:"mesg_id,omitempty"`
	PQ       int     `json:"pq,omitempty"`
	A        int     `json:"a,omitempty"`
	Nacks    []int   `json:"nacks,omitempty"`

	// Monitor snapshot payloads.
	Hostname string   `json:"hostname,omitempty"`
	Clients  []string `json:"clients,omitempty"`
	Election bool     `json:"election,omitempty"`
	Byz      bool     `json:"byzantine,omitempty"`
	State    string   `json:"state,omitempty"`
	Leaving  bool     `json:"leaving,omitempty"`
}

// Encode renders the message for the wire.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	return data, errors.Wrap(err, "encoding message")
}

// Decode parses a wire payload. A payload that is valid JSON but
// carries neither an intention nor a multicast purpose is rejected so
// the transports can drop it early.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if m.Intention == "" && m.Purpose == "" {
		return Message{}, ErrUntagged
	}
	return m, nil
}

// Endpoint of the node the message identifies itself with.
func (m Message) Endpoint() Address {
	return Address{Address: m.Address, Port: m.Port}
}
