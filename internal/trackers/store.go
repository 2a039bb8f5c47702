// Package trackers holds the latest orientation and acceleration for every
// virtual tracker the bridge exposes.
package trackers

import (
	"errors"
	"fmt"
	"sync"
)

// MaxTrackers is the largest tracker count the single-byte tracker id field
// of the wire protocol can address.
const MaxTrackers = 255

// HeadID is the index reserved for the head (root) tracker.
const HeadID uint8 = 0

// ErrUnknownTracker is returned for ids outside the store.
var ErrUnknownTracker = errors.New("trackers: unknown tracker id")

// Quaternion is a rotation in w, x, y, z order.
type Quaternion struct {
	W float32 `json:"w"`
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Identity is the zero rotation.
var Identity = Quaternion{W: 1}

// Vector is a 3-component acceleration.
type Vector struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Sample is the state sent for one tracker in a sweep.
type Sample struct {
	Rotation     Quaternion
	Acceleration Vector
}

type cell struct {
	mu     sync.RWMutex
	sample Sample
}

// Store keeps one Sample per tracker id in 0..trackerCount inclusive. Each
// id has its own lock so writers for different trackers never contend.
type Store struct {
	cells []cell
}

// NewStore creates a store for ids 0 (head) through trackerCount. All samples
// start zeroed.
func NewStore(trackerCount int) (*Store, error) {
	if trackerCount < 1 || trackerCount > MaxTrackers {
		return nil, fmt.Errorf("tracker count must be between 1 and %d, got %d", MaxTrackers, trackerCount)
	}
	return &Store{cells: make([]cell, trackerCount+1)}, nil
}

// MaxID returns the highest tracker id held by the store.
func (s *Store) MaxID() uint8 {
	return uint8(len(s.cells) - 1)
}

// TrackerCount returns the number of non-head trackers.
func (s *Store) TrackerCount() int {
	return len(s.cells) - 1
}

func (s *Store) cell(id uint8) (*cell, error) {
	if int(id) >= len(s.cells) {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrUnknownTracker, id, s.MaxID())
	}
	return &s.cells[id], nil
}

// Get returns a copy of the tracker's current sample.
func (s *Store) Get(id uint8) (Sample, error) {
	c, err := s.cell(id)
	if err != nil {
		return Sample{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sample, nil
}

// SetRotation replaces the rotation and keeps the acceleration.
func (s *Store) SetRotation(id uint8, q Quaternion) error {
	c, err := s.cell(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sample.Rotation = q
	c.mu.Unlock()
	return nil
}

// SetAcceleration replaces the acceleration and keeps the rotation.
func (s *Store) SetAcceleration(id uint8, v Vector) error {
	c, err := s.cell(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sample.Acceleration = v
	c.mu.Unlock()
	return nil
}

// Snapshot copies every sample, head first. Each sample is read under its
// own lock, so the result is not a consistent cut across trackers.
func (s *Store) Snapshot() []Sample {
	out := make([]Sample, len(s.cells))
	for i := range s.cells {
		s.cells[i].mu.RLock()
		out[i] = s.cells[i].sample
		s.cells[i].mu.RUnlock()
	}
	return out
}
