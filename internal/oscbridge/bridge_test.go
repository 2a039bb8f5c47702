package oscbridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slime.bridge/internal/discovery"
	"github.com/banshee-data/slime.bridge/internal/monitoring"
	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/scheduler"
	"github.com/banshee-data/slime.bridge/internal/slimeproto"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
	"github.com/banshee-data/slime.bridge/internal/trackers"
)

type countingFlusher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *countingFlusher) Trigger() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return true, f.err
}

func (f *countingFlusher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func msg(addr string, args ...interface{}) *osc.Message {
	return osc.NewMessage(addr, args...)
}

func newBridge(t *testing.T, trackerCount int) (*Bridge, *trackers.Store, *countingFlusher, *network.Stats) {
	t.Helper()
	store, err := trackers.NewStore(trackerCount)
	require.NoError(t, err)
	f := &countingFlusher{}
	stats := network.NewStats()
	return New(store, f, stats), store, f, stats
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		addr    string
		want    Route
		wantErr error
	}{
		{"/tracking/trackers/head/rotation", Route{0, KindRotation}, nil},
		{"/tracking/trackers/head/position", Route{0, KindPosition}, nil},
		{"/tracking/trackers/1/rotation", Route{1, KindRotation}, nil},
		{"/tracking/trackers/5/position", Route{5, KindPosition}, nil},
		{"/tracking/trackers/0/rotation", Route{0, KindRotation}, nil},
		{"/tracking/trackers/6/rotation", Route{}, ErrTrackerOutOfRange},
		{"/tracking/trackers/256/rotation", Route{}, ErrTrackerOutOfRange},
		{"/tracking/trackers/99999999999999999999/rotation", Route{}, ErrMalformedAddress},
		{"/tracking/trackers/-1/rotation", Route{}, ErrMalformedAddress},
		{"/tracking/trackers/left/rotation", Route{}, ErrMalformedAddress},
		{"/tracking/trackers/1/velocity", Route{}, ErrUnknownKind},
		{"/tracking/trackers/1", Route{}, ErrMalformedAddress},
		{"/tracking/trackers/1/rotation/extra", Route{}, ErrMalformedAddress},
		{"/tracking/other/1/rotation", Route{}, ErrMalformedAddress},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := ParseAddress(tt.addr, 5)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleMessage_HeadIdentityKeepsAcceleration(t *testing.T) {
	b, store, _, _ := newBridge(t, 3)
	require.NoError(t, store.SetAcceleration(0, trackers.Vector{X: 1, Y: 2, Z: 3}))

	err := b.HandleMessage(msg("/tracking/trackers/head/rotation", float32(0), float32(0), float32(0)))
	require.NoError(t, err)

	got, err := store.Get(0)
	require.NoError(t, err)
	assert.Equal(t, trackers.Quaternion{W: 1}, got.Rotation)
	assert.Equal(t, trackers.Vector{X: 1, Y: 2, Z: 3}, got.Acceleration)
}

func TestHandleMessage_RotationConversion(t *testing.T) {
	b, store, _, _ := newBridge(t, 3)

	require.NoError(t, b.HandleMessage(msg("/tracking/trackers/2/rotation", float32(90), float32(0), float32(0))))

	got, err := store.Get(2)
	require.NoError(t, err)
	h := float32(math.Sqrt2 / 2)
	assert.InDelta(t, h, got.Rotation.W, 1e-6)
	assert.InDelta(t, h, got.Rotation.X, 1e-6)
	assert.InDelta(t, 0, got.Rotation.Y, 1e-6)
	assert.InDelta(t, 0, got.Rotation.Z, 1e-6)
}

func TestHandleMessage_AcceptsNumericArgumentTypes(t *testing.T) {
	b, store, _, _ := newBridge(t, 3)

	require.NoError(t, b.HandleMessage(msg("/tracking/trackers/1/rotation", float64(0), int32(0), int64(180))))
	got, err := store.Get(1)
	require.NoError(t, err)
	assert.InDelta(t, 1, math.Abs(float64(got.Rotation.Z)), 1e-6)
}

func TestHandleMessage_PositionWritesZeroAcceleration(t *testing.T) {
	b, store, _, _ := newBridge(t, 3)
	q := trackers.Quaternion{W: 0.5, X: 0.5, Y: 0.5, Z: 0.5}
	require.NoError(t, store.SetRotation(1, q))
	require.NoError(t, store.SetAcceleration(1, trackers.Vector{X: 4}))

	require.NoError(t, b.HandleMessage(msg("/tracking/trackers/1/position", float32(0.1), float32(1.6), float32(-0.2))))

	got, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, trackers.Vector{}, got.Acceleration)
	assert.Equal(t, q, got.Rotation)
}

func TestHandleMessage_FlushOnlyOnLastTracker(t *testing.T) {
	b, _, f, _ := newBridge(t, 3)
	assert.Equal(t, uint8(3), b.FlushID())

	for _, addr := range []string{
		"/tracking/trackers/head/rotation",
		"/tracking/trackers/1/rotation",
		"/tracking/trackers/2/rotation",
	} {
		require.NoError(t, b.HandleMessage(msg(addr, float32(0), float32(0), float32(0))))
	}
	assert.Equal(t, 0, f.Calls())

	require.NoError(t, b.HandleMessage(msg("/tracking/trackers/3/rotation", float32(0), float32(0), float32(0))))
	assert.Equal(t, 1, f.Calls())

	require.NoError(t, b.HandleMessage(msg("/tracking/trackers/3/position", float32(0), float32(0), float32(0))))
	assert.Equal(t, 2, f.Calls())
}

func TestHandleMessage_MalformedIsDiscarded(t *testing.T) {
	b, store, f, stats := newBridge(t, 3)

	tests := []struct {
		name    string
		m       *osc.Message
		wantErr error
	}{
		{"out of range", msg("/tracking/trackers/4/rotation", float32(1), float32(2), float32(3)), ErrTrackerOutOfRange},
		{"not a number", msg("/tracking/trackers/x/rotation", float32(1), float32(2), float32(3)), ErrMalformedAddress},
		{"unknown kind", msg("/tracking/trackers/3/scale", float32(1), float32(2), float32(3)), ErrUnknownKind},
		{"two args", msg("/tracking/trackers/3/rotation", float32(1), float32(2)), ErrBadArguments},
		{"string arg", msg("/tracking/trackers/3/rotation", "a", float32(2), float32(3)), ErrBadArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, b.HandleMessage(tt.m), tt.wantErr)
		})
	}

	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, uint64(len(tests)), stats.Snapshot().OSCDiscarded)
	for _, s := range store.Snapshot() {
		assert.Equal(t, trackers.Sample{}, s)
	}
}

func TestHandleMessage_IgnoresOtherAddresses(t *testing.T) {
	b, _, f, stats := newBridge(t, 3)

	assert.NoError(t, b.HandleMessage(msg("/avatar/parameters/TailTouch", true)))
	assert.NoError(t, b.HandleMessage(nil))
	assert.Equal(t, 0, f.Calls())
	assert.Zero(t, stats.Snapshot().OSCDiscarded)
}

func TestHandleMessage_SweepErrorIsReported(t *testing.T) {
	b, _, f, _ := newBridge(t, 1)
	f.err = errors.New("network is unreachable")

	err := b.HandleMessage(msg("/tracking/trackers/1/rotation", float32(0), float32(0), float32(0)))
	assert.ErrorIs(t, err, f.err)
	assert.ErrorIs(t, err, ErrSweep)
}

func TestHandle_LogsSweepFailureSeparately(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	b, store, f, _ := newBridge(t, 1)
	f.err = errors.New("network is unreachable")

	b.Handle(msg("/tracking/trackers/1/rotation", float32(0), float32(0), float32(0)))
	b.Handle(msg("/tracking/trackers/9/rotation", float32(0), float32(0), float32(0)))

	require.Len(t, lines, 2)
	assert.Equal(t, "[osc] sweep after /tracking/trackers/1/rotation: network is unreachable", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "[osc] dropping /tracking/trackers/9/rotation: "), lines[1])

	got, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, trackers.Identity, got.Rotation, "store write kept despite the failed sweep")
}

func TestDispatch_BundleInOrder(t *testing.T) {
	b, store, f, _ := newBridge(t, 2)

	inner := osc.NewBundle(time.Now())
	require.NoError(t, inner.Append(msg("/tracking/trackers/2/rotation", float32(0), float32(0), float32(90))))

	bundle := osc.NewBundle(time.Now())
	require.NoError(t, bundle.Append(msg("/tracking/trackers/head/rotation", float32(0), float32(0), float32(0))))
	require.NoError(t, bundle.Append(msg("/tracking/trackers/1/rotation", float32(0), float32(0), float32(0))))
	require.NoError(t, bundle.Append(inner))

	b.Dispatch(bundle)

	assert.Equal(t, 1, f.Calls())
	got, err := store.Get(2)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt2/2, got.Rotation.Z, 1e-6)
}

func TestListener_ReceivesOverUDP(t *testing.T) {
	b, store, f, stats := newBridge(t, 1)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewListener("", b).Serve(ctx, conn) }()

	sender, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	// a truncated message makes go-osc's Serve return; the listener resumes
	_, err = sender.Write([]byte("/tracking/trackers/1/rot"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return stats.Snapshot().OSCDiscarded == 1
	}, 2*time.Second, 10*time.Millisecond)

	client := osc.NewClient("127.0.0.1", port)
	assert.Eventually(t, func() bool {
		_ = client.Send(msg("/tracking/trackers/1/rotation", float32(0), float32(0), float32(0)))
		return f.Calls() > 0
	}, 2*time.Second, 20*time.Millisecond)

	got, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, trackers.Identity, got.Rotation)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

// TestEndToEnd_CounterIsContiguous runs discovery, registration and two
// OSC-triggered sweeps over one mock socket and checks the counter carried
// by every datagram.
func TestEndToEnd_CounterIsContiguous(t *testing.T) {
	const trackerCount = 3
	serverAddr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 6969}

	sock := network.NewMockUDPSocket(nil)
	sock.Responder = func(data []byte, to *net.UDPAddr) []network.MockUDPPacket {
		if f, err := slimeproto.Decode(data); err == nil && f.Type == slimeproto.PacketHandshake {
			return []network.MockUDPPacket{{Data: []byte("Hey OVR =D 5"), Addr: serverAddr}}
		}
		return nil
	}
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	link := network.NewLink(network.LinkConfig{
		Socket:   sock,
		Endpoint: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6969},
		Clock:    clock,
	})

	d := discovery.New(link, discovery.Config{Autodiscovery: true, Server: link.Endpoint(), TrackerCount: trackerCount, Clock: clock})
	_, err := d.Run(context.Background())
	require.NoError(t, err)

	store, err := trackers.NewStore(trackerCount)
	require.NoError(t, err)
	sched, err := scheduler.New(link, store, 100, clock)
	require.NoError(t, err)
	b := New(store, sched, link.Stats())

	batch := func() {
		for _, id := range []string{"head", "1", "2", "3"} {
			require.NoError(t, b.HandleMessage(msg("/tracking/trackers/"+id+"/rotation", float32(10), float32(20), float32(30))))
		}
	}
	batch()
	batch() // throttled: same instant
	clock.Advance(sched.Interval())
	batch()

	pkts := sock.SentPackets()
	require.Len(t, pkts, 1+trackerCount*3+2*trackerCount*2)

	hs, err := slimeproto.Decode(pkts[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), hs.Counter)

	for i, p := range pkts[1:] {
		f, err := slimeproto.Decode(p.Data)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), f.Counter, "datagram %d (%s)", i+1, f.Type)
		assert.Equal(t, serverAddr.String(), p.Addr.String())
	}
}
