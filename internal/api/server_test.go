package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slime.bridge/internal/discovery"
	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/recorder"
	"github.com/banshee-data/slime.bridge/internal/slimeproto"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
	"github.com/banshee-data/slime.bridge/internal/trackers"
)

type fakeDiscovery struct{}

func (fakeDiscovery) State() discovery.State { return discovery.Found }
func (fakeDiscovery) Attempts() int          { return 2 }

type fakeSweeps struct{}

func (fakeSweeps) Counts() (uint64, uint64) { return 40, 7 }

func newTestServer(t *testing.T, rec *recorder.Recorder) (*Server, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	sock := network.NewMockUDPSocket(nil)
	link := network.NewLink(network.LinkConfig{
		Socket:   sock,
		Endpoint: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 6969},
		Clock:    clock,
	})
	require.NoError(t, link.Adopt(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 8), Port: 6969}))
	require.NoError(t, link.Transmit(slimeproto.PacketHandshake, network.NoTracker, slimeproto.EncodeHandshake))

	store, err := trackers.NewStore(2)
	require.NoError(t, err)
	require.NoError(t, store.SetRotation(1, trackers.Identity))
	require.NoError(t, store.SetAcceleration(2, trackers.Vector{Z: 9.8}))

	return NewServer(Config{
		Link:      link,
		Discovery: fakeDiscovery{},
		Sweeps:    fakeSweeps{},
		Trackers:  store,
		Recorder:  rec,
		Clock:     clock,
	}), clock
}

func TestStatus(t *testing.T) {
	s, clock := newTestServer(t, nil)
	clock.Advance(90 * time.Second)

	st := s.Status()
	assert.Equal(t, "10.0.0.8:6969", st.Endpoint)
	assert.True(t, st.Discovered)
	assert.Equal(t, "found", st.DiscoveryState)
	assert.Equal(t, 2, st.DiscoveryAttempts)
	assert.Equal(t, uint64(1), st.Counter)
	assert.Equal(t, uint64(40), st.Sweeps)
	assert.Equal(t, uint64(7), st.Throttled)
	assert.Equal(t, 90.0, st.UptimeSeconds)
	assert.Empty(t, st.SessionID)

	require.NotNil(t, st.Packets)
	assert.Equal(t, uint64(1), st.Packets.Kinds["handshake"].Sent)

	require.Len(t, st.Trackers, 3)
	assert.Equal(t, TrackerStatus{ID: 1, Rotation: trackers.Identity}, st.Trackers[1])
	assert.Equal(t, float32(9.8), st.Trackers[2].Acceleration.Z)
}

func TestStatus_EmptyConfig(t *testing.T) {
	st := NewServer(Config{}).Status()
	assert.Empty(t, st.Endpoint)
	assert.Nil(t, st.Packets)
	assert.Nil(t, st.Trackers)
}

func TestHandleStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/debug/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "10.0.0.8:6969", body["endpoint"])
	trackersJSON := body["trackers"].([]any)
	assert.Equal(t, map[string]any{"w": 1.0, "x": 0.0, "y": 0.0, "z": 0.0}, trackersJSON[1].(map[string]any)["rotation"])

	rec = httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodPost, "/debug/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleDatagrams(t *testing.T) {
	t.Run("recording disabled", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		rec := httptest.NewRecorder()
		s.handleDatagrams(rec, httptest.NewRequest(http.MethodGet, "/debug/datagrams", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	r, err := recorder.Open(filepath.Join(t.TempDir(), "session.db"), recorder.Options{})
	require.NoError(t, err)
	defer r.Close()
	s, _ := newTestServer(t, r)

	t.Run("empty", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.handleDatagrams(rec, httptest.NewRequest(http.MethodGet, "/debug/datagrams?limit=5", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.handleDatagrams(rec, httptest.NewRequest(http.MethodGet, "/debug/datagrams?limit=zero", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("session id in status", func(t *testing.T) {
		assert.Equal(t, r.SessionID(), s.Status().SessionID)
	})
}

func TestHandleDiscovery(t *testing.T) {
	t.Run("recording disabled", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		rec := httptest.NewRecorder()
		s.handleDiscovery(rec, httptest.NewRequest(http.MethodGet, "/debug/discovery", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	r, err := recorder.Open(filepath.Join(t.TempDir(), "session.db"), recorder.Options{})
	require.NoError(t, err)
	defer r.Close()
	s, _ := newTestServer(t, r)

	rec := httptest.NewRecorder()
	s.handleDiscovery(rec, httptest.NewRequest(http.MethodGet, "/debug/discovery", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	r.RecordDiscovery(1, "255.255.255.255:6969", "timeout", "")
	r.RecordDiscovery(2, "255.255.255.255:6969", "found", "192.168.1.20:6969")

	rec = httptest.NewRecorder()
	s.handleDiscovery(rec, httptest.NewRequest(http.MethodGet, "/debug/discovery", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []recorder.DiscoveryRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, "timeout", got[0].Outcome)
	assert.Empty(t, got[0].From)
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, "found", got[1].Outcome)
	assert.Equal(t, "192.168.1.20:6969", got[1].From)

	rec = httptest.NewRecorder()
	s.handleDiscovery(rec, httptest.NewRequest(http.MethodDelete, "/debug/discovery", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAttachDebugRoutes(t *testing.T) {
	r, err := recorder.Open(filepath.Join(t.TempDir(), "session.db"), recorder.Options{})
	require.NoError(t, err)
	defer r.Close()
	s, _ := newTestServer(t, r)

	mux := http.NewServeMux()
	require.NoError(t, s.AttachDebugRoutes(mux))

	for _, path := range []string{"/debug/status", "/debug/datagrams", "/debug/discovery", "/debug/tailsql/"} {
		_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, path, nil))
		assert.NotEmpty(t, pattern, path)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
