package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/privstack/pateagg/transport"
	"golang.org/x/xerrors"
)

const bufferSize = 500

// NewTransport returns an in-memory transport. Sockets created from the same
// transport instance can reach each other; packets never leave the process.
func NewTransport() transport.Transport {
	return &Transport{
		incomings: make(map[string]chan transport.Packet),
	}
}

// Transport is an in-memory transport implementation.
//
// - implements transport.Transport
type Transport struct {
	sync.RWMutex

	counter   int
	incomings map[string]chan transport.Packet
}

// CreateSocket implements transport.Transport. An empty address or a ":0"
// suffix makes the transport pick a fresh one.
func (t *Transport) CreateSocket(address string) (transport.ClosableSocket, error) {
	t.Lock()
	defer t.Unlock()

	if address == "" || strings.HasSuffix(address, ":0") {
		t.counter++
		address = fmt.Sprintf("inproc:%d", t.counter)
	}

	if _, ok := t.incomings[address]; ok {
		return nil, xerrors.Errorf("address already in use: %s", address)
	}

	in := make(chan transport.Packet, bufferSize)
	t.incomings[address] = in

	return &Socket{
		transport: t,
		myAddr:    address,
		incoming:  in,
		ins:       trace{},
		outs:      trace{},
	}, nil
}

func (t *Transport) lookup(address string) (chan transport.Packet, bool) {
	t.RLock()
	defer t.RUnlock()

	in, ok := t.incomings[address]
	return in, ok
}

func (t *Transport) release(address string) {
	t.Lock()
	defer t.Unlock()

	delete(t.incomings, address)
}

// Socket is an in-memory socket backed by a channel.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	transport *Transport
	myAddr    string
	incoming  chan transport.Packet
	ins       trace
	outs      trace
}

// Close implements transport.Socket. The address becomes free again; packets
// already buffered stay readable.
func (s *Socket) Close() error {
	s.transport.release(s.myAddr)
	return nil
}

// Send implements transport.Socket
func (s *Socket) Send(dest string, pkt transport.Packet, timeout time.Duration) error {
	in, ok := s.transport.lookup(dest)
	if !ok {
		return xerrors.Errorf("unknown destination address: %s", dest)
	}

	cp := pkt.Copy()

	if timeout == 0 {
		in <- cp
	} else {
		select {
		case in <- cp:
		case <-time.After(timeout):
			return transport.TimeoutError(timeout)
		}
	}

	s.outs.add(pkt)
	return nil
}

// Recv implements transport.Socket
func (s *Socket) Recv(timeout time.Duration) (transport.Packet, error) {
	if timeout == 0 {
		pkt := <-s.incoming
		s.ins.add(pkt)
		return pkt, nil
	}

	select {
	case pkt := <-s.incoming:
		s.ins.add(pkt)
		return pkt, nil
	case <-time.After(timeout):
		return transport.Packet{}, transport.TimeoutError(timeout)
	}
}

// GetAddress implements transport.Socket
func (s *Socket) GetAddress() string {
	return s.myAddr
}

// GetIns implements transport.Socket
func (s *Socket) GetIns() []transport.Packet {
	return s.ins.getAll()
}

// GetOuts implements transport.Socket
func (s *Socket) GetOuts() []transport.Packet {
	return s.outs.getAll()
}

type trace struct {
	sync.Mutex
	data []transport.Packet
}

func (t *trace) add(pkt transport.Packet) {
	t.Lock()
	defer t.Unlock()

	t.data = append(t.data, pkt.Copy())
}

func (t *trace) getAll() []transport.Packet {
	t.Lock()
	defer t.Unlock()

	res := make([]transport.Packet, len(t.data))
	for i, pkt := range t.data {
		res[i] = pkt.Copy()
	}
	return res
}
