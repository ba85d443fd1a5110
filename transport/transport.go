package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// Transport creates sockets bound to an address. Implementations decide what
// an address means: a UDP host:port or an in-process channel name.
type Transport interface {
	CreateSocket(address string) (ClosableSocket, error)
}

// Socket sends and receives packets between parties.
type Socket interface {
	// Send sends a packet to the destination address. A zero timeout blocks
	// until the packet is written.
	Send(dest string, pkt Packet, timeout time.Duration) error

	// Recv blocks until a packet is received or the timeout is reached, in
	// which case it returns a TimeoutError.
	Recv(timeout time.Duration) (Packet, error)

	// GetAddress returns the address the socket is bound to.
	GetAddress() string

	// GetIns returns all packets received so far.
	GetIns() []Packet

	// GetOuts returns all packets sent so far.
	GetOuts() []Packet
}

// ClosableSocket augments Socket with a close operation.
type ClosableSocket interface {
	Socket

	Close() error
}

// TimeoutError is returned by Recv and Send when the timeout expires.
type TimeoutError time.Duration

func (err TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached after %d", time.Duration(err))
}

// Is implements support for errors.Is.
func (TimeoutError) Is(err error) bool {
	_, ok := err.(TimeoutError)
	return ok
}

// Packet is what transits on a socket: a routing header and an opaque message
// payload dispatched by the message registry.
type Packet struct {
	Header *Header
	Msg    *Message
}

// Marshal transforms the packet to something that can be sent over the
// network.
func (p Packet) Marshal() ([]byte, error) {
	return json.Marshal(&p)
}

// Unmarshal restores a marshalled packet.
func (p *Packet) Unmarshal(buf []byte) error {
	return json.Unmarshal(buf, p)
}

// Copy returns a deep copy of the packet.
func (p Packet) Copy() Packet {
	h := p.Header.Copy()
	m := p.Msg.Copy()

	return Packet{
		Header: &h,
		Msg:    &m,
	}
}

func (p Packet) String() string {
	return fmt.Sprintf("{Packet %s: %s -> %s, type %s}",
		p.Header.PacketID, p.Header.Source, p.Header.Destination, p.Msg.Type)
}

// NewHeader creates a header with a fresh packet ID.
func NewHeader(source, destination string) Header {
	return Header{
		PacketID:    xid.New().String(),
		Source:      source,
		Destination: destination,
		Timestamp:   time.Now().UnixNano(),
	}
}

// Header contains the routing data of a packet. Source and Destination are
// transport addresses.
type Header struct {
	PacketID    string
	Source      string
	Destination string
	Timestamp   int64
}

// Copy returns a copy of the header.
func (h Header) Copy() Header {
	return h
}

func (h Header) String() string {
	return fmt.Sprintf("{Header %s: %s -> %s}", h.PacketID, h.Source, h.Destination)
}

// Message is the payload of a packet. Type names the registered message kind,
// Payload its JSON encoding.
type Message struct {
	Type    string
	Payload json.RawMessage
}

// Copy returns a copy of the message.
func (m Message) Copy() Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)

	return Message{
		Type:    m.Type,
		Payload: payload,
	}
}

func (m Message) String() string {
	return fmt.Sprintf("{Message type %s}", m.Type)
}
