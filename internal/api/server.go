// Package api serves the bridge's debug HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/slime.bridge/internal/discovery"
	"github.com/banshee-data/slime.bridge/internal/monitoring"
	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/recorder"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
	"github.com/banshee-data/slime.bridge/internal/trackers"
	"github.com/banshee-data/slime.bridge/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Link is the part of network.Link the status page reads.
type Link interface {
	Endpoint() *net.UDPAddr
	Adopted() bool
	Counter() uint64
	Stats() *network.Stats
}

// Discovery reports handshake progress.
type Discovery interface {
	State() discovery.State
	Attempts() int
}

// Sweeps reports scheduler activity.
type Sweeps interface {
	Counts() (sweeps, throttled uint64)
}

// Trackers provides the current samples, indexed by tracker id.
type Trackers interface {
	Snapshot() []trackers.Sample
}

// Config holds the collaborators a Server reports on. Any of them may be
// nil, in which case the matching status fields are omitted.
type Config struct {
	Link      Link
	Discovery Discovery
	Sweeps    Sweeps
	Trackers  Trackers
	Recorder  *recorder.Recorder
	Clock     timeutil.Clock
}

// Server exposes bridge state under /debug/.
type Server struct {
	cfg     Config
	started time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Server{cfg: cfg, started: cfg.Clock.Now()}
}

// TrackerStatus is one tracker's current sample.
type TrackerStatus struct {
	ID           int                 `json:"id"`
	Rotation     trackers.Quaternion `json:"rotation"`
	Acceleration trackers.Vector     `json:"acceleration"`
}

// Status is the JSON document served at /debug/status.
type Status struct {
	Version           string                 `json:"version"`
	GitSHA            string                 `json:"git_sha"`
	UptimeSeconds     float64                `json:"uptime_seconds"`
	SessionID         string                 `json:"session_id,omitempty"`
	Endpoint          string                 `json:"endpoint,omitempty"`
	Discovered        bool                   `json:"discovered"`
	DiscoveryState    string                 `json:"discovery_state,omitempty"`
	DiscoveryAttempts int                    `json:"discovery_attempts"`
	Counter           uint64                 `json:"counter"`
	Sweeps            uint64                 `json:"sweeps"`
	Throttled         uint64                 `json:"throttled"`
	RecorderDropped   uint64                 `json:"recorder_dropped"`
	Packets           *network.StatsSnapshot `json:"packets,omitempty"`
	Trackers          []TrackerStatus        `json:"trackers,omitempty"`
}

// Status collects the current state.
func (s *Server) Status() Status {
	st := Status{
		Version:       version.Version,
		GitSHA:        version.GitSHA,
		UptimeSeconds: s.cfg.Clock.Since(s.started).Seconds(),
	}
	if l := s.cfg.Link; l != nil {
		if ep := l.Endpoint(); ep != nil {
			st.Endpoint = ep.String()
		}
		st.Discovered = l.Adopted()
		st.Counter = l.Counter()
		snap := l.Stats().Snapshot()
		st.Packets = &snap
	}
	if d := s.cfg.Discovery; d != nil {
		st.DiscoveryState = d.State().String()
		st.DiscoveryAttempts = d.Attempts()
	}
	if sw := s.cfg.Sweeps; sw != nil {
		st.Sweeps, st.Throttled = sw.Counts()
	}
	if t := s.cfg.Trackers; t != nil {
		for id, sample := range t.Snapshot() {
			st.Trackers = append(st.Trackers, TrackerStatus{ID: id, Rotation: sample.Rotation, Acceleration: sample.Acceleration})
		}
	}
	if r := s.cfg.Recorder; r != nil {
		st.SessionID = r.SessionID()
		st.RecorderDropped = r.Dropped()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleDatagrams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Recorder == nil {
		writeJSONError(w, http.StatusNotFound, "recording is disabled")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 10000 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}
	rows, err := s.cfg.Recorder.RecentDatagrams(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read datagrams: %v", err))
		return
	}
	if rows == nil {
		rows = []recorder.DatagramRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Recorder == nil {
		writeJSONError(w, http.StatusNotFound, "recording is disabled")
		return
	}
	rows, err := s.cfg.Recorder.DiscoveryEvents()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read discovery events: %v", err))
		return
	}
	if rows == nil {
		rows = []recorder.DiscoveryRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// AttachDebugRoutes mounts the debug pages on mux. With a recorder, the
// session database is browsable through tailsql.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Session", func() any {
		if s.cfg.Recorder == nil {
			return "not recording"
		}
		return s.cfg.Recorder.SessionID()
	})
	debug.Handle("status", "Bridge status (JSON)", http.HandlerFunc(s.handleStatus))

	if s.cfg.Recorder == nil {
		return nil
	}
	debug.Handle("datagrams", "Most recent recorded datagrams (JSON)", http.HandlerFunc(s.handleDatagrams))
	debug.Handle("discovery", "Discovery attempts of this session (JSON)", http.HandlerFunc(s.handleDiscovery))

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.cfg.Recorder.Path(), s.cfg.Recorder.DB(), &tailsql.DBOptions{
		Label: "Session recording",
	})
	debug.Handle("tailsql/", "SQL over the session recording", tsql.NewMux())
	return nil
}

// ListenAndServe serves the debug routes on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	if err := s.AttachDebugRoutes(mux); err != nil {
		return err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("debug server listening on http://%s/debug/", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("debug server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("debug server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("debug server force close error: %v", err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
