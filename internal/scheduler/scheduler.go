// Package scheduler sends rotation and acceleration frames for every tracker,
// no more often than the configured tick rate.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/slime.bridge/internal/slimeproto"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
	"github.com/banshee-data/slime.bridge/internal/trackers"
)

// MaxRecommendedTPS is the highest tick rate the server tolerates before it
// starts treating the stream as a flood.
const MaxRecommendedTPS = 300

// Transmitter sends one frame, supplying the packet counter to encode.
type Transmitter interface {
	Transmit(kind slimeproto.PacketType, trackerID int, encode func(counter uint64) []byte) error
}

// Source provides the current sample for each tracker.
type Source interface {
	Get(id uint8) (trackers.Sample, error)
	TrackerCount() int
}

// Scheduler emits complete sweeps on Trigger, throttled to one sweep per
// interval.
type Scheduler struct {
	mu       sync.Mutex
	link     Transmitter
	store    Source
	interval time.Duration
	clock    timeutil.Clock
	next     time.Time

	sweeps    uint64
	throttled uint64
}

// New creates a Scheduler that sweeps at most tps times per second.
func New(link Transmitter, store Source, tps int, clock timeutil.Clock) (*Scheduler, error) {
	if tps <= 0 {
		return nil, fmt.Errorf("tps must be positive, got %d", tps)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{
		link:     link,
		store:    store,
		interval: time.Second / time.Duration(tps),
		clock:    clock,
	}, nil
}

// Interval returns the minimum time between sweeps.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Counts returns the number of sweeps sent and triggers throttled.
func (s *Scheduler) Counts() (sweeps, throttled uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps, s.throttled
}

// Trigger sends one sweep unless the previous sweep was less than an
// interval ago, in which case it returns (false, nil) without sending.
//
// A sweep sends, for tracker ids 1..N in ascending order, a rotation frame
// followed by an acceleration frame. Every frame of the sweep is attempted
// even if some sends fail; the failures are returned joined and are not
// retried.
func (s *Scheduler) Trigger() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clock.Now().Before(s.next) {
		s.throttled++
		return false, nil
	}

	var errs []error
	for id := 1; id <= s.store.TrackerCount(); id++ {
		tid := uint8(id)
		sample, err := s.store.Get(tid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		q, a := sample.Rotation, sample.Acceleration

		if err := s.link.Transmit(slimeproto.PacketRotation, id, func(counter uint64) []byte {
			return slimeproto.EncodeRotation(counter, tid, q.W, q.X, q.Y, q.Z)
		}); err != nil {
			errs = append(errs, err)
		}
		if err := s.link.Transmit(slimeproto.PacketAcceleration, id, func(counter uint64) []byte {
			return slimeproto.EncodeAcceleration(counter, tid, a.X, a.Y, a.Z)
		}); err != nil {
			errs = append(errs, err)
		}
	}

	s.sweeps++
	s.next = s.clock.Now().Add(s.interval)
	return true, errors.Join(errs...)
}
