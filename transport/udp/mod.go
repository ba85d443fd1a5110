package udp

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/privstack/pateagg/transport"
	"golang.org/x/xerrors"
)

const bufSize = 65000

// NewUDP returns a new udp transport implementation.
func NewUDP() transport.Transport {
	return &UDP{}
}

// UDP implements a transport layer using UDP.
//
// - implements transport.Transport
type UDP struct {
}

func validAddr(address string) bool {
	chunks := strings.Split(address, ":")
	if len(chunks) != 2 {
		return false
	}
	if net.ParseIP(chunks[0]) == nil {
		return false
	}
	port, err := strconv.Atoi(chunks[1])
	if err != nil {
		return false
	}
	return port >= 0 && port <= 65535
}

// CreateSocket implements transport.Transport
func (u *UDP) CreateSocket(address string) (transport.ClosableSocket, error) {
	if !validAddr(address) {
		return nil, xerrors.Errorf("invalid address %s", address)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	return &Socket{
		conn:   conn,
		myAddr: conn.LocalAddr().String(),
		ins:    trace{},
		outs:   trace{},
	}, nil
}

// Socket implements a network socket using UDP.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	conn   *net.UDPConn
	myAddr string
	closed atomic.Bool
	ins    trace
	outs   trace
}

// Close implements transport.Socket. It returns an error if already closed.
// The connection stays readable by concurrent Recv calls, which fail with a
// closed-connection error instead of racing a nil handle.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return xerrors.Errorf("socket already closed")
	}
	return s.conn.Close()
}

// Send implements transport.Socket
func (s *Socket) Send(dest string, pkt transport.Packet, timeout time.Duration) error {
	if !validAddr(dest) {
		return xerrors.Errorf("invalid address %s", dest)
	}
	destAddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return err
	}

	if timeout != 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}

	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(buf, destAddr)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return transport.TimeoutError(timeout)
	}
	if err != nil {
		return err
	}
	s.outs.add(pkt)
	return nil
}

// Recv implements transport.Socket. It blocks until a packet is received, or
// the timeout is reached. In the case the timeout is reached, it returns a
// TimeoutError.
func (s *Socket) Recv(timeout time.Duration) (transport.Packet, error) {
	pkt := transport.Packet{}

	if timeout != 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	buffer := make([]byte, bufSize)
	size, _, err := s.conn.ReadFromUDP(buffer)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return pkt, transport.TimeoutError(timeout)
	}
	if err != nil {
		return pkt, err
	}
	err = pkt.Unmarshal(buffer[:size])
	if err != nil {
		return pkt, err
	}
	s.ins.add(pkt)
	return pkt, nil
}

// GetAddress implements transport.Socket. It returns the address assigned to
// the socket. Useful when a :0 address was provided and the system picked a
// free port.
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
