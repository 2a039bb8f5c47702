package oscbridge

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hypebeast/go-osc/osc"
)

// Listener receives OSC datagrams and hands every message to a Bridge. The
// go-osc server dispatches each datagram on its own goroutine, which is why
// the store and scheduler lock internally.
type Listener struct {
	addr   string
	bridge *Bridge
}

// NewListener creates a Listener for addr (host:port).
func NewListener(addr string, bridge *Bridge) *Listener {
	return &Listener{addr: addr, bridge: bridge}
}

// ListenAndServe binds the UDP address and serves until ctx is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for OSC on %s: %w", l.addr, err)
	}
	logf("listening on %s", conn.LocalAddr())
	return l.Serve(ctx, conn)
}

// Serve reads OSC packets from conn until ctx is cancelled, then closes it.
func (l *Listener) Serve(ctx context.Context, conn net.PacketConn) error {
	d := osc.NewStandardDispatcher()
	if err := d.AddMsgHandler("*", l.bridge.Handle); err != nil {
		conn.Close()
		return fmt.Errorf("failed to register OSC handler: %w", err)
	}
	server := &osc.Server{Dispatcher: d}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	for {
		// go-osc's Serve returns on the first datagram it cannot decode;
		// only a closed socket ends the listener.
		err := server.Serve(conn)
		if ctx.Err() != nil {
			logf("listener stopping due to context cancellation")
			return ctx.Err()
		}
		if err == nil || errors.Is(err, net.ErrClosed) {
			return err
		}
		l.bridge.stats.AddDiscarded()
		logf("discarding undecodable datagram: %v", err)
	}
}
