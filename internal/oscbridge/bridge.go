// Package oscbridge turns OSC tracker messages into tracker store updates and
// flushes a sweep to the server when the last tracker of a batch arrives.
//
// The upstream source sends every tracker once per frame, in ascending id
// order, ending with the highest id. A write to that id is therefore taken as
// the end of the batch and triggers the scheduler. Arrival order is assumed,
// not verified: a batch that is reordered or missing its last tracker is sent
// late or stale.
package oscbridge

import (
	"errors"
	"fmt"

	"github.com/hypebeast/go-osc/osc"

	"github.com/banshee-data/slime.bridge/internal/monitoring"
	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/trackers"
)

var logf = monitoring.Component("osc")

// ErrSweep wraps a send failure from the sweep a message triggered. The
// message itself was applied.
var ErrSweep = errors.New("sweep")

// Store is the subset of trackers.Store the bridge writes to.
type Store interface {
	SetRotation(id uint8, q trackers.Quaternion) error
	SetAcceleration(id uint8, v trackers.Vector) error
	MaxID() uint8
}

// Flusher sends a sweep, or declines to when throttled.
type Flusher interface {
	Trigger() (bool, error)
}

// Bridge routes OSC messages into a Store.
type Bridge struct {
	store   Store
	flusher Flusher
	stats   *network.Stats
	maxID   uint8
}

// New creates a Bridge. The flush id is the store's highest tracker id.
// stats may be nil.
func New(store Store, flusher Flusher, stats *network.Stats) *Bridge {
	if stats == nil {
		stats = network.NewStats()
	}
	return &Bridge{
		store:   store,
		flusher: flusher,
		stats:   stats,
		maxID:   store.MaxID(),
	}
}

// FlushID returns the tracker id whose update ends a batch.
func (b *Bridge) FlushID() uint8 {
	return b.maxID
}

// HandleMessage applies one tracker message and, when it addresses the flush
// id, triggers a sweep. Messages outside the tracker address space are
// ignored without error. Malformed messages are counted and returned as
// errors without touching the store.
func (b *Bridge) HandleMessage(msg *osc.Message) error {
	if msg == nil || !IsTrackerAddress(msg.Address) {
		return nil
	}

	route, err := ParseAddress(msg.Address, b.maxID)
	if err != nil {
		b.stats.AddDiscarded()
		return err
	}
	v, err := vector3(msg.Arguments)
	if err != nil {
		b.stats.AddDiscarded()
		return fmt.Errorf("%s: %w", msg.Address, err)
	}

	switch route.Kind {
	case KindPosition:
		// Position is not converted to acceleration; the placeholder keeps
		// the acceleration path wired with zero data.
		err = b.store.SetAcceleration(route.TrackerID, trackers.Vector{})
	default:
		q := trackers.FromNumber(trackers.EulerToQuaternion(v[0], v[1], v[2]))
		err = b.store.SetRotation(route.TrackerID, q)
	}
	if err != nil {
		b.stats.AddDiscarded()
		return err
	}
	b.stats.AddMessage()

	if route.TrackerID == b.maxID && b.flusher != nil {
		if _, err := b.flusher.Trigger(); err != nil {
			return fmt.Errorf("%w after %s: %w", ErrSweep, msg.Address, err)
		}
	}
	return nil
}

// Handle is an osc.HandlerFunc that logs and drops failures so one bad
// message never stops the listener.
func (b *Bridge) Handle(msg *osc.Message) {
	err := b.HandleMessage(msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrSweep):
		// The store was updated; only the send failed.
		logf("%v", err)
	default:
		logf("dropping %s: %v", msg.Address, err)
	}
}

// Dispatch handles a message or a bundle synchronously, in order. It lets
// the bridge stand in for an osc.Dispatcher when packets come from a replay.
func (b *Bridge) Dispatch(packet osc.Packet) {
	switch p := packet.(type) {
	case *osc.Message:
		b.Handle(p)
	case *osc.Bundle:
		for _, m := range p.Messages {
			b.Handle(m)
		}
		for _, nested := range p.Bundles {
			b.Dispatch(nested)
		}
	}
}
