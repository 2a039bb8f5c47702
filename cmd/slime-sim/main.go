// Command slime-sim stands in for the tracking server: it answers
// handshakes, decodes every frame and reports gaps in the packet counter.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/slimeproto"
)

var (
	listen  = flag.String("listen", fmt.Sprintf(":%d", network.DefaultServerPort), "UDP address to listen on")
	verbose = flag.Bool("v", false, "Print every decoded frame")
	ackText = flag.String("ack", "Hey OVR =D 5", "Reply sent to each handshake")
)

// session tracks one client by source address.
type session struct {
	next     uint64
	started  bool
	gaps     uint64
	trackers map[uint8]bool
}

type sim struct {
	mu       sync.Mutex
	ack      []byte
	sessions map[string]*session

	frames  atomic.Int64
	bytes   atomic.Int64
	invalid atomic.Int64
}

func newSim(ack string) *sim {
	return &sim{ack: []byte(ack), sessions: make(map[string]*session)}
}

// handle processes one datagram and returns the reply to send, if any.
func (s *sim) handle(data []byte, from string) ([]byte, error) {
	f, err := slimeproto.Decode(data)
	if err != nil {
		s.invalid.Add(1)
		return nil, err
	}
	s.frames.Add(1)
	s.bytes.Add(int64(len(data)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Type == slimeproto.PacketHandshake {
		// A handshake restarts the client's numbering.
		s.sessions[from] = &session{next: f.Counter + 1, started: true, trackers: make(map[uint8]bool)}
		if *verbose {
			log.Printf("%s handshake firmware=%q mac=%x", from, f.Firmware, f.MAC)
		}
		return s.ack, nil
	}

	sess, ok := s.sessions[from]
	if !ok {
		sess = &session{trackers: make(map[uint8]bool)}
		s.sessions[from] = sess
	}
	if sess.started && f.Counter != sess.next {
		sess.gaps++
		log.Printf("%s counter gap: expected %d, got %d (%s)", from, sess.next, f.Counter, f.Type)
	}
	sess.next = f.Counter + 1
	sess.started = true

	switch f.Type {
	case slimeproto.PacketAddTracker:
		if !sess.trackers[f.TrackerID] {
			log.Printf("%s registered tracker %d", from, f.TrackerID)
		}
		sess.trackers[f.TrackerID] = true
	case slimeproto.PacketRotation:
		if *verbose {
			log.Printf("%s #%d rot id=%d w=%.3f x=%.3f y=%.3f z=%.3f", from, f.Counter, f.TrackerID, f.QW, f.QX, f.QY, f.QZ)
		}
	case slimeproto.PacketAcceleration:
		if *verbose {
			log.Printf("%s #%d acc id=%d x=%.3f y=%.3f z=%.3f", from, f.Counter, f.TrackerID, f.AX, f.AY, f.AZ)
		}
	}
	return nil, nil
}

func (s *sim) gaps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, sess := range s.sessions {
		n += sess.gaps
	}
	return n
}

func main() {
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *listen)
	if err != nil {
		log.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	log.Printf("slime-sim listening on %s", conn.LocalAddr())
	s := newSim(*ackText)

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			frames := s.frames.Swap(0)
			bytes := s.bytes.Swap(0)
			if frames > 0 {
				log.Printf("received %s frames/s, %s/s, %d counter gaps total, %d invalid",
					humanize.Comma(frames), humanize.Bytes(uint64(bytes)), s.gaps(), s.invalid.Load())
			}
		}
	}()

	buffer := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			log.Printf("read error: %v", err)
			continue
		}
		reply, err := s.handle(buffer[:n], from.String())
		if err != nil {
			log.Printf("%s: %v", from, err)
			continue
		}
		if reply != nil {
			if _, err := conn.WriteToUDP(reply, from); err != nil {
				log.Printf("failed to ack %s: %v", from, err)
			}
		}
	}
}
