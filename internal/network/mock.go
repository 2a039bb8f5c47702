package network

import (
	"net"
	"sync"
	"time"
)

// MockUDPPacket represents a packet for mock testing.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockResponder is called for every successful write to a MockUDPSocket and
// returns the packets the far side sends back, if any.
type MockResponder func(data []byte, to *net.UDPAddr) []MockUDPPacket

// MockUDPSocket implements UDPSocket in memory. Reads are served from Inbound
// and return a timeout error when it is empty; writes are captured in Sent.
type MockUDPSocket struct {
	mu sync.Mutex

	// Inbound holds packets waiting to be read.
	Inbound []MockUDPPacket
	// Sent records every successful write, in order.
	Sent []MockUDPPacket
	// Responder, if set, is consulted after each successful write.
	Responder MockResponder
	// WriteErrors are returned by successive writes; nil entries succeed.
	WriteErrors []error
	// ReadErrors are returned by successive reads before Inbound is consulted.
	ReadErrors []error
	// ReadDeadline holds the value set by SetReadDeadline.
	ReadDeadline time.Time
	// Closed indicates whether Close was called.
	Closed bool
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr

	writes int
	reads  int
}

// NewMockUDPSocket creates a new MockUDPSocket with the given inbound packets.
func NewMockUDPSocket(inbound []MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		Inbound: inbound,
		LocalAddress: &net.UDPAddr{
			IP:   net.IPv4zero,
			Port: DefaultDiscoveryPort,
		},
	}
}

// ReadFromUDP returns the next inbound packet.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return 0, nil, net.ErrClosed
	}
	m.reads++
	if len(m.ReadErrors) > 0 {
		err := m.ReadErrors[0]
		m.ReadErrors = m.ReadErrors[1:]
		if err != nil {
			return 0, nil, err
		}
	}
	if len(m.Inbound) == 0 {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	pkt := m.Inbound[0]
	m.Inbound = m.Inbound[1:]
	return copy(b, pkt.Data), pkt.Addr, nil
}

// WriteToUDP records the packet and queues any responder replies.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return 0, net.ErrClosed
	}
	idx := m.writes
	m.writes++
	if idx < len(m.WriteErrors) && m.WriteErrors[idx] != nil {
		return 0, m.WriteErrors[idx]
	}

	data := make([]byte, len(b))
	copy(data, b)
	m.Sent = append(m.Sent, MockUDPPacket{Data: data, Addr: addr})
	if m.Responder != nil {
		m.Inbound = append(m.Inbound, m.Responder(data, addr)...)
	}
	return len(b), nil
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadDeadline = t
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// SentPackets returns a copy of everything written so far.
func (m *MockUDPSocket) SentPackets() []MockUDPPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockUDPPacket, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// Reads returns the number of ReadFromUDP calls made on an open socket.
func (m *MockUDPSocket) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	// Socket is the socket to return from ListenUDP.
	Socket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// ListenCalls records all ListenUDP calls.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.ListenCalls = append(f.ListenCalls, MockListenCall{
		Network: network,
		Addr:    laddr,
	})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
