package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slime.bridge/internal/discovery"
	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/slimeproto"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T, opts Options) *Recorder {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = timeutil.NewMockClock(epoch)
	}
	r, err := Open(filepath.Join(t.TempDir(), "session.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestOpen_CreatesSession(t *testing.T) {
	r := openTest(t, Options{TrackerCount: 5, TPS: 150})

	_, err := uuid.Parse(r.SessionID())
	require.NoError(t, err)

	var trackers, tps int
	var started int64
	err = r.DB().QueryRow(`SELECT tracker_count, tps, started_unix_nano FROM sessions WHERE session_id = ?`, r.SessionID()).
		Scan(&trackers, &tps, &started)
	require.NoError(t, err)
	assert.Equal(t, 5, trackers)
	assert.Equal(t, 150, tps)
	assert.Equal(t, epoch.UnixNano(), started)
}

func TestOpen_ReopenKeepsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	first, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path, Options{})
	require.NoError(t, err)
	defer second.Close()
	assert.NotEqual(t, first.SessionID(), second.SessionID())

	var n int
	require.NoError(t, second.DB().QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestRecordDatagram_BatchedWrites(t *testing.T) {
	r := openTest(t, Options{BatchSize: 4, FlushInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	for i := 0; i < 10; i++ {
		r.RecordDatagram(network.Datagram{
			Counter:   uint64(i),
			Kind:      slimeproto.PacketRotation,
			TrackerID: i%3 + 1,
			Size:      slimeproto.RotationLen,
			At:        epoch.Add(time.Duration(i) * time.Millisecond),
		})
	}
	r.RecordDatagram(network.Datagram{
		Counter:   10,
		Kind:      slimeproto.PacketHandshake,
		TrackerID: network.NoTracker,
		Size:      slimeproto.HandshakeLen,
		At:        epoch,
		Err:       errors.New("network is unreachable"),
	})

	assert.Eventually(t, func() bool { return r.Written() == 11 }, 2*time.Second, 10*time.Millisecond)

	rows, err := r.RecentDatagrams(3)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, uint64(10), rows[0].Counter)
	assert.Equal(t, "handshake", rows[0].Kind)
	assert.Nil(t, rows[0].TrackerID)
	assert.Equal(t, "network is unreachable", rows[0].Error)

	assert.Equal(t, uint64(9), rows[1].Counter)
	assert.Equal(t, "rotation", rows[1].Kind)
	require.NotNil(t, rows[1].TrackerID)
	assert.Equal(t, 1, *rows[1].TrackerID)
	assert.Equal(t, epoch.Add(9*time.Millisecond), rows[1].SentAt)
	assert.Empty(t, rows[1].Error)
}

func TestRecordDatagram_DropsWhenFull(t *testing.T) {
	r := openTest(t, Options{QueueSize: 2})

	// not started: nothing drains the queue
	for i := 0; i < 5; i++ {
		r.RecordDatagram(network.Datagram{Counter: uint64(i), Kind: slimeproto.PacketAcceleration})
	}
	assert.Equal(t, uint64(3), r.Dropped())
}

func TestClose_FlushesQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	r, err := Open(path, Options{Clock: timeutil.NewMockClock(epoch)})
	require.NoError(t, err)

	r.RecordDatagram(network.Datagram{Counter: 0, Kind: slimeproto.PacketAddTracker, TrackerID: 1, At: epoch})
	r.RecordDatagram(network.Datagram{Counter: 1, Kind: slimeproto.PacketAddTracker, TrackerID: 1, At: epoch})
	require.NoError(t, r.Close())
	assert.Equal(t, uint64(2), r.Written())

	again, err := Open(path, Options{})
	require.NoError(t, err)
	defer again.Close()

	var n int
	var ended *int64
	require.NoError(t, again.DB().QueryRow(`SELECT COUNT(*) FROM datagrams WHERE session_id = ?`, r.SessionID()).Scan(&n))
	require.NoError(t, again.DB().QueryRow(`SELECT ended_unix_nano FROM sessions WHERE session_id = ?`, r.SessionID()).Scan(&ended))
	assert.Equal(t, 2, n)
	require.NotNil(t, ended)
	assert.Equal(t, epoch.UnixNano(), *ended)
}

func TestRecordDiscovery(t *testing.T) {
	r := openTest(t, Options{})

	r.RecordDiscovery(1, "255.255.255.255:6969", discovery.OutcomeTimeout, "")
	r.RecordDiscovery(2, "255.255.255.255:6969", discovery.OutcomeFound, "192.168.1.50:6969")

	events, err := r.DiscoveryEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, DiscoveryRow{Attempt: 1, Target: "255.255.255.255:6969", Outcome: "timeout", At: epoch}, events[0])
	assert.Equal(t, "found", events[1].Outcome)
	assert.Equal(t, "192.168.1.50:6969", events[1].From)
}

func TestClose_Idempotent(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "session.db"), Options{})
	require.NoError(t, err)
	r.Start(context.Background())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
