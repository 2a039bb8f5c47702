// Package network owns the UDP socket used to talk to the tracking server,
// the server endpoint, and the process-wide packet counter.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/slime.bridge/internal/slimeproto"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
)

const (
	// DefaultServerPort is the tracking server's default UDP port.
	DefaultServerPort = 6969
	// DefaultDiscoveryPort is the local port the bridge binds for talking to
	// the server. It differs from DefaultServerPort so both can share a host.
	DefaultDiscoveryPort = 9696
)

// NoTracker marks datagrams that are not about a specific tracker.
const NoTracker = -1

// ErrEndpointFixed is returned when the server endpoint is adopted twice.
var ErrEndpointFixed = errors.New("server endpoint already adopted")

// Datagram describes one send attempt, successful or not.
type Datagram struct {
	Counter   uint64
	Kind      slimeproto.PacketType
	TrackerID int
	Size      int
	At        time.Time
	Err       error
}

// DatagramRecorder receives a Datagram for every send attempt. Implementations
// must not block.
type DatagramRecorder interface {
	RecordDatagram(d Datagram)
}

// LinkConfig contains configuration options for a Link.
type LinkConfig struct {
	Socket   UDPSocket
	Endpoint *net.UDPAddr
	Stats    *Stats
	Recorder DatagramRecorder
	Clock    timeutil.Clock
}

// Link sends frames to the tracking server. It serialises every
// send-then-increment step so each transmitted datagram carries a distinct,
// contiguous counter value starting at 0.
type Link struct {
	mu       sync.Mutex
	sock     UDPSocket
	endpoint *net.UDPAddr
	adopted  bool
	counter  uint64
	stats    *Stats
	recorder DatagramRecorder
	clock    timeutil.Clock
}

// NewLink creates a new Link with the provided configuration.
func NewLink(config LinkConfig) *Link {
	stats := config.Stats
	if stats == nil {
		stats = NewStats()
	}
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Link{
		sock:     config.Socket,
		endpoint: config.Endpoint,
		stats:    stats,
		recorder: config.Recorder,
		clock:    clock,
	}
}

// Socket returns the underlying socket.
func (l *Link) Socket() UDPSocket {
	return l.sock
}

// Stats returns the link's packet statistics.
func (l *Link) Stats() *Stats {
	return l.stats
}

// Endpoint returns a copy of the current server endpoint.
func (l *Link) Endpoint() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.endpoint == nil {
		return nil
	}
	ep := *l.endpoint
	return &ep
}

// Adopted reports whether the endpoint has been learned from the server.
func (l *Link) Adopted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adopted
}

// Adopt replaces the configured endpoint with the address the server answered
// from. It may be called once.
func (l *Link) Adopt(addr *net.UDPAddr) error {
	if addr == nil {
		return errors.New("adopt: nil address")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.adopted {
		return fmt.Errorf("%w: %s", ErrEndpointFixed, l.endpoint)
	}
	ep := *addr
	l.endpoint = &ep
	l.adopted = true
	return nil
}

// Counter returns the value the next transmitted datagram will carry.
func (l *Link) Counter() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// Advance consumes one counter value without sending. Discovery uses it to
// account for the handshake once an acknowledgement arrives.
func (l *Link) Advance() {
	l.mu.Lock()
	l.counter++
	l.mu.Unlock()
}

// Transmit encodes a frame with the current counter, sends it to the
// endpoint and, only if the write succeeds, increments the counter. A failed
// send leaves the counter untouched so the next datagram reuses the value
// the server never saw.
func (l *Link) Transmit(kind slimeproto.PacketType, trackerID int, encode func(counter uint64) []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.endpoint == nil {
		return errors.New("transmit: no server endpoint")
	}
	pkt := encode(l.counter)
	_, err := l.sock.WriteToUDP(pkt, l.endpoint)
	l.note(kind, trackerID, len(pkt), err)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, l.endpoint, err)
	}
	l.counter++
	return nil
}

// SendTo writes an already-encoded frame to addr without touching the
// counter. Discovery repeats the same handshake frame this way until the
// server answers.
func (l *Link) SendTo(kind slimeproto.PacketType, pkt []byte, addr *net.UDPAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.sock.WriteToUDP(pkt, addr)
	l.note(kind, NoTracker, len(pkt), err)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, addr, err)
	}
	return nil
}

// ReadFrom waits until deadline for one datagram from any sender.
func (l *Link) ReadFrom(buf []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := l.sock.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	n, addr, err := l.sock.ReadFromUDP(buf)
	if err == nil {
		l.stats.AddReceived(n)
	}
	return n, addr, err
}

// Close closes the socket.
func (l *Link) Close() error {
	return l.sock.Close()
}

// note must be called with l.mu held.
func (l *Link) note(kind slimeproto.PacketType, trackerID, size int, err error) {
	if err != nil {
		l.stats.AddFailed(kind)
	} else {
		l.stats.AddSent(kind, size)
	}
	if l.recorder != nil {
		l.recorder.RecordDatagram(Datagram{
			Counter:   l.counter,
			Kind:      kind,
			TrackerID: trackerID,
			Size:      size,
			At:        l.clock.Now(),
			Err:       err,
		})
	}
}
