package pubsub

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/accord/registry"
)

// Event names carried in the message "event" field.
const (
	EventRegister    = "register"
	EventRegisterAck = "register_ack"
	EventPing        = "ping"
)

// NameTakeLead is the message name of the leadership announcement broadcast
// by a winning dispatcher.
const NameTakeLead = "dispatcher-take_lead"

// Metadata carries routing metadata on broadcast messages.
type Metadata struct {
	Origin string `json:"origin"`
}

// Message is the envelope exchanged over the broadcast channels. Fields are
// populated per event kind; unused fields are omitted on the wire.
type Message struct {
	Event              string                  `json:"event,omitempty"`
	Name               string                  `json:"name,omitempty"`
	Origin             string                  `json:"origin,omitempty"`
	EventsSubscribe    []registry.Subscription `json:"eventsSubscribe,omitempty"`
	EventsCast         []string                `json:"eventsCast,omitempty"`
	TransactionID      string                  `json:"transactionId,omitempty"`
	RelatedTransaction string                  `json:"relatedTransaction,omitempty"`
	InstanceID         string                  `json:"instanceId,omitempty"`
	Error              string                  `json:"error,omitempty"`
	Metadata           *Metadata               `json:"redisMetadata,omitempty"`
}

// NewTakeLead builds the leadership announcement for the given origin.
func NewTakeLead(origin string) Message {
	return Message{Name: NameTakeLead, Metadata: &Metadata{Origin: origin}}
}

// Encode marshals the message for publishing.
func (m Message) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("pubsub: encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a received broadcast payload.
func Decode(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("pubsub: decode message: %w", err)
	}
	return m, nil
}

// DispatcherChannel is the shared channel every instance listens on for
// registration requests, leadership announcements, and pings.
func DispatcherChannel(prefix string) string {
	return prefixed(prefix, "dispatcher")
}

// InstanceChannel is the per-instance channel registration acknowledgments
// are addressed to.
func InstanceChannel(prefix, origin string) string {
	return prefixed(prefix, "instance-"+origin)
}

func prefixed(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}
