package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/slime.bridge/internal/monitoring"
	"github.com/banshee-data/slime.bridge/internal/slimeproto"
)

// KindCounts holds per-frame-type counters.
type KindCounts struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
	Bytes  uint64 `json:"bytes"`
}

// StatsSnapshot is a point-in-time copy of Stats totals.
type StatsSnapshot struct {
	Kinds        map[string]KindCounts `json:"kinds"`
	Received     uint64                `json:"received"`
	OSCMessages  uint64                `json:"osc_messages"`
	OSCDiscarded uint64                `json:"osc_discarded"`
}

// Stats tracks datagram and OSC statistics with thread-safe operations.
// Totals accumulate for the life of the process; the interval counters are
// reset by LogStats.
type Stats struct {
	mu sync.Mutex

	kinds        map[slimeproto.PacketType]*KindCounts
	received     uint64
	oscMessages  uint64
	oscDiscarded uint64

	intervalPackets   uint64
	intervalBytes     uint64
	intervalFailed    uint64
	intervalMessages  uint64
	intervalDiscarded uint64
	lastReset         time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		kinds:     make(map[slimeproto.PacketType]*KindCounts),
		lastReset: time.Now(),
	}
}

func (s *Stats) kind(k slimeproto.PacketType) *KindCounts {
	c, ok := s.kinds[k]
	if !ok {
		c = &KindCounts{}
		s.kinds[k] = c
	}
	return c
}

// AddSent records a successfully written datagram.
func (s *Stats) AddSent(k slimeproto.PacketType, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.kind(k)
	c.Sent++
	c.Bytes += uint64(bytes)
	s.intervalPackets++
	s.intervalBytes += uint64(bytes)
}

// AddFailed records a datagram the socket refused.
func (s *Stats) AddFailed(k slimeproto.PacketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kind(k).Failed++
	s.intervalFailed++
}

// AddReceived records a datagram read from the server socket.
func (s *Stats) AddReceived(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
}

// AddMessage records an OSC message routed into the tracker store.
func (s *Stats) AddMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oscMessages++
	s.intervalMessages++
}

// AddDiscarded records a malformed or out-of-range OSC message.
func (s *Stats) AddDiscarded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oscDiscarded++
	s.intervalDiscarded++
}

// Snapshot returns the running totals.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Kinds:        make(map[string]KindCounts, len(s.kinds)),
		Received:     s.received,
		OSCMessages:  s.oscMessages,
		OSCDiscarded: s.oscDiscarded,
	}
	for k, c := range s.kinds {
		snap.Kinds[k.String()] = *c
	}
	return snap
}

// LogStats logs the rates since the previous call and resets the interval.
// Nothing is logged for an idle interval.
func (s *Stats) LogStats() {
	s.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(s.lastReset).Seconds()
	packets, bytes, failed := s.intervalPackets, s.intervalBytes, s.intervalFailed
	messages, discarded := s.intervalMessages, s.intervalDiscarded
	s.intervalPackets, s.intervalBytes, s.intervalFailed = 0, 0, 0
	s.intervalMessages, s.intervalDiscarded = 0, 0
	s.lastReset = now
	s.mu.Unlock()

	if packets == 0 && failed == 0 && messages == 0 && discarded == 0 {
		return
	}
	if elapsed <= 0 {
		elapsed = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[stats] out: %.1f datagrams/s, %s/s; in: %.1f osc msgs/s",
		float64(packets)/elapsed,
		humanize.Bytes(uint64(float64(bytes)/elapsed)),
		float64(messages)/elapsed)
	if failed > 0 {
		fmt.Fprintf(&b, ", %s send failures", humanize.Comma(int64(failed)))
	}
	if discarded > 0 {
		fmt.Fprintf(&b, ", %s osc msgs discarded", humanize.Comma(int64(discarded)))
	}
	monitoring.Logf("%s", b.String())
}

// StartStatsLogging logs statistics every interval until ctx is done.
func (s *Stats) StartStatsLogging(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.LogStats()
		}
	}
}
