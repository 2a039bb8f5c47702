// Package discovery locates the tracking server and registers the bridge's
// trackers with it.
//
// The handshake frame is sent to the broadcast address (or to the configured
// server when autodiscovery is off) once per attempt, and each attempt waits
// up to Timeout for a reply containing slimeproto.AckMarker. There is no
// retry limit: Run returns only once the server answers or ctx is cancelled.
// Send and read errors are treated like a timeout and simply trigger the
// next attempt.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/slime.bridge/internal/monitoring"
	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/slimeproto"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
)

var logf = monitoring.Component("discovery")

const (
	// DefaultTimeout bounds the wait for a reply to one handshake.
	DefaultTimeout = time.Second
	// DefaultRegistrationRepeats is how many times each add-tracker frame is
	// sent. The server is known to drop isolated registrations.
	DefaultRegistrationRepeats = 3
	// DefaultSettleDelay is the pause after the server is found and again
	// after registration, giving the server time to set up its trackers.
	DefaultSettleDelay = 100 * time.Millisecond
	// DefaultRegisteredDelay follows the last registration frame.
	DefaultRegisteredDelay = 500 * time.Millisecond
	// DefaultRetryDelay spaces attempts after a send or read error, which
	// return immediately instead of waiting out Timeout.
	DefaultRetryDelay = 10 * time.Millisecond
)

// State is the discovery state machine's position.
type State int

const (
	Idle State = iota
	Broadcasting
	AwaitingAck
	Found
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Broadcasting:
		return "broadcasting"
	case AwaitingAck:
		return "awaiting_ack"
	case Found:
		return "found"
	default:
		return fmt.Sprintf("state_%d", int(s))
	}
}

// Outcome labels one handshake attempt for EventRecorder.
const (
	OutcomeSendError = "send_error"
	OutcomeTimeout   = "timeout"
	OutcomeReadError = "read_error"
	OutcomeIgnored   = "ignored_reply"
	OutcomeFound     = "found"
)

// EventRecorder is notified of every handshake attempt.
type EventRecorder interface {
	RecordDiscovery(attempt int, target, outcome, from string)
}

// Config contains configuration options for a Discoverer.
type Config struct {
	// Autodiscovery sends the handshake to the IPv4 broadcast address on
	// Server's port instead of to Server itself.
	Autodiscovery bool
	// Server is the configured server address.
	Server *net.UDPAddr
	// TrackerCount is the number of trackers registered, ids 1..TrackerCount.
	TrackerCount int

	Timeout             time.Duration
	RegistrationRepeats int
	// Zero selects the default; a negative value disables the delay.
	SettleDelay     time.Duration
	RegisteredDelay time.Duration
	RetryDelay      time.Duration

	// Clock paces the delays and also sets the socket read deadline, so it
	// must be the real clock whenever the link's socket is real.
	Clock    timeutil.Clock
	Recorder EventRecorder
}

// Discoverer runs the handshake state machine over a network.Link.
type Discoverer struct {
	link *network.Link
	cfg  Config

	mu       sync.Mutex
	state    State
	attempts int
}

// New creates a Discoverer. Zero-valued fields take their defaults.
func New(link *network.Link, cfg Config) *Discoverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RegistrationRepeats <= 0 {
		cfg.RegistrationRepeats = DefaultRegistrationRepeats
	}
	cfg.SettleDelay = delayOrDefault(cfg.SettleDelay, DefaultSettleDelay)
	cfg.RegisteredDelay = delayOrDefault(cfg.RegisteredDelay, DefaultRegisteredDelay)
	cfg.RetryDelay = delayOrDefault(cfg.RetryDelay, DefaultRetryDelay)
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Discoverer{link: link, cfg: cfg}
}

func delayOrDefault(d, def time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return def
	default:
		return d
	}
}

// State returns the current state.
func (d *Discoverer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Attempts returns the number of handshakes sent so far.
func (d *Discoverer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *Discoverer) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Target returns the address handshakes are sent to.
func (d *Discoverer) Target() *net.UDPAddr {
	if d.cfg.Autodiscovery {
		port := network.DefaultServerPort
		if d.cfg.Server != nil {
			port = d.cfg.Server.Port
		}
		return &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	}
	return d.cfg.Server
}

// Run discovers the server, accounts for the handshake in the packet
// counter, and registers every tracker. It returns the adopted endpoint.
func (d *Discoverer) Run(ctx context.Context) (*net.UDPAddr, error) {
	addr, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	d.cfg.Clock.Sleep(d.cfg.SettleDelay)

	if err := d.Register(ctx); err != nil {
		// Registration is best effort; the repeats exist for exactly this.
		logf("registration incomplete: %v", err)
	}
	d.cfg.Clock.Sleep(d.cfg.RegisteredDelay)
	return addr, nil
}

// Discover loops until a handshake is acknowledged, then adopts the reply's
// source address as the server endpoint and advances the packet counter
// once for the handshake.
func (d *Discoverer) Discover(ctx context.Context) (*net.UDPAddr, error) {
	target := d.Target()
	if target == nil {
		return nil, errors.New("discovery: no server address configured")
	}
	if d.cfg.Autodiscovery {
		logf("autodiscovery enabled, broadcasting to %s. If this never finds the server, disable autodiscovery and set slime_ip", target)
	} else {
		logf("sending handshake to configured server %s", target)
	}

	handshake := slimeproto.EncodeHandshake(d.link.Counter())
	buf := make([]byte, 1024)

	for {
		if err := ctx.Err(); err != nil {
			d.setState(Idle)
			return nil, err
		}

		d.mu.Lock()
		d.state = Broadcasting
		d.attempts++
		attempt := d.attempts
		d.mu.Unlock()

		logf("searching... (attempt %d)", attempt)
		if err := d.link.SendTo(slimeproto.PacketHandshake, handshake, target); err != nil {
			d.record(attempt, target, OutcomeSendError, "")
			d.cfg.Clock.Sleep(d.cfg.RetryDelay)
			continue
		}

		d.setState(AwaitingAck)
		// Deadline is absolute; a mock clock against a real socket
		// would time out at once or never.
		n, from, err := d.link.ReadFrom(buf, d.cfg.Clock.Now().Add(d.cfg.Timeout))
		switch {
		case err != nil && network.IsTimeout(err):
			d.record(attempt, target, OutcomeTimeout, "")
			continue
		case err != nil:
			d.record(attempt, target, OutcomeReadError, "")
			d.cfg.Clock.Sleep(d.cfg.RetryDelay)
			continue
		case !slimeproto.IsHandshakeAck(buf[:n]):
			d.record(attempt, target, OutcomeIgnored, from.String())
			continue
		}

		if err := d.link.Adopt(from); err != nil {
			return nil, err
		}
		d.link.Advance()
		d.setState(Found)
		d.record(attempt, target, OutcomeFound, from.String())
		logf("found server at %s after %d attempt(s)", from, attempt)
		return d.link.Endpoint(), nil
	}
}

// Register sends the add-tracker frame RegistrationRepeats times for each
// tracker id 1..TrackerCount. Every frame is attempted; failures are joined.
func (d *Discoverer) Register(ctx context.Context) error {
	var errs []error
	for id := 1; id <= d.cfg.TrackerCount; id++ {
		tid := uint8(id)
		for r := 0; r < d.cfg.RegistrationRepeats; r++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := d.link.Transmit(slimeproto.PacketAddTracker, id, func(counter uint64) []byte {
				return slimeproto.EncodeAddTracker(counter, tid)
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
		logf("registered tracker %d", id)
	}
	return errors.Join(errs...)
}

func (d *Discoverer) record(attempt int, target *net.UDPAddr, outcome, from string) {
	if d.cfg.Recorder != nil {
		d.cfg.Recorder.RecordDiscovery(attempt, target.String(), outcome, from)
	}
}
