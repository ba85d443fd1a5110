package types

import (
	"encoding/json"
	"sync"

	"github.com/privstack/pateagg/transport"
	"golang.org/x/xerrors"
)

// Message is implemented by every protocol message.
type Message interface {
	// NewEmpty returns a new empty message of the same type, used by the
	// registry to unmarshal incoming payloads.
	NewEmpty() Message

	// Name returns the unique name of the message kind.
	Name() string

	// String returns a short description of the message.
	String() string
}

// Exec is the callback executed when a packet carrying the registered message
// kind is processed.
type Exec func(Message, transport.Packet) error

// NewMessageRegistry returns an empty registry.
func NewMessageRegistry() *MessageRegistry {
	return &MessageRegistry{
		prototypes: make(map[string]Message),
		callbacks:  make(map[string]Exec),
	}
}

// MessageRegistry dispatches incoming packets to the callback registered for
// their message kind.
type MessageRegistry struct {
	sync.RWMutex

	prototypes map[string]Message
	callbacks  map[string]Exec
}

// RegisterMessageCallback registers the callback for a message kind,
// replacing any previous one.
func (r *MessageRegistry) RegisterMessageCallback(m Message, exec Exec) {
	r.Lock()
	defer r.Unlock()

	r.prototypes[m.Name()] = m
	r.callbacks[m.Name()] = exec
}

// ProcessPacket unmarshals the packet payload into a fresh message and calls
// the registered callback.
func (r *MessageRegistry) ProcessPacket(pkt transport.Packet) error {
	if pkt.Msg == nil {
		return xerrors.Errorf("packet %s has no message", pkt.Header.PacketID)
	}

	r.RLock()
	proto, ok := r.prototypes[pkt.Msg.Type]
	exec := r.callbacks[pkt.Msg.Type]
	r.RUnlock()

	if !ok {
		return xerrors.Errorf("no callback registered for message type %s", pkt.Msg.Type)
	}

	msg := proto.NewEmpty()
	err := json.Unmarshal(pkt.Msg.Payload, msg)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal %s message: %v", pkt.Msg.Type, err)
	}

	return exec(msg, pkt)
}

// MarshalMessage wraps a message into a transport message.
func (r *MessageRegistry) MarshalMessage(m Message) (transport.Message, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return transport.Message{}, xerrors.Errorf("failed to marshal %s message: %v", m.Name(), err)
	}

	return transport.Message{
		Type:    m.Name(),
		Payload: payload,
	}, nil
}

// UnmarshalMessage unmarshals a transport message into dest, which must be a
// pointer.
func (r *MessageRegistry) UnmarshalMessage(msg *transport.Message, dest Message) error {
	return json.Unmarshal(msg.Payload, dest)
}
