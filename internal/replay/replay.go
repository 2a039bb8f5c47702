// Package replay feeds OSC traffic captured in a pcap file through the same
// path live datagrams take.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/hypebeast/go-osc/osc"

	"github.com/banshee-data/slime.bridge/internal/monitoring"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
)

var logf = monitoring.Component("replay")

var errNotOSC = errors.New("payload is not an OSC message or bundle")

// Dispatcher receives every decoded OSC packet in capture order.
type Dispatcher interface {
	Dispatch(packet osc.Packet)
}

// Options controls a replay.
type Options struct {
	// Port selects UDP datagrams by destination port. Zero accepts all.
	Port     int
	// Realtime sleeps between packets to reproduce capture timing.
	Realtime bool
	Clock    timeutil.Clock
}

// Result summarises a replay.
type Result struct {
	Packets    int
	Dispatched int
	Skipped    int
	Undecoded  int
	Span       time.Duration
}

// ReadPCAPFile replays the pcap file at path.
func ReadPCAPFile(ctx context.Context, path string, opts Options, d Dispatcher) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return Read(ctx, f, opts, d)
}

// Read replays a pcap stream. It returns at end of input or when ctx is
// cancelled.
func Read(ctx context.Context, r io.Reader, opts Options, d Dispatcher) (Result, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true

	var (
		res         Result
		first, prev time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			logf("stopping due to context cancellation (processed %d packets)", res.Packets)
			return res, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			logf("replay complete: %d packets, %d dispatched, %d skipped, %d undecodable, span %v",
				res.Packets, res.Dispatched, res.Skipped, res.Undecoded, res.Span)
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("failed to read packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 || (opts.Port != 0 && int(udp.DstPort) != opts.Port) {
			res.Skipped++
			continue
		}

		ts := packet.Metadata().Timestamp
		if first.IsZero() {
			first = ts
		}
		if opts.Realtime && !prev.IsZero() {
			if gap := ts.Sub(prev); gap > 0 {
				opts.Clock.Sleep(gap)
			}
		}
		prev = ts
		res.Span = ts.Sub(first)

		oscPacket, err := osc.ParsePacket(string(udp.Payload))
		if err == nil && oscPacket == nil {
			// go-osc returns neither packet nor error for payloads that
			// start with something other than '/' or '#'.
			err = errNotOSC
		}
		if err != nil {
			res.Undecoded++
			logf("packet %d: %v", res.Packets, err)
			continue
		}
		d.Dispatch(oscPacket)
		res.Dispatched++
	}
}
