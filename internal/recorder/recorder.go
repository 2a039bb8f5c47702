// Package recorder keeps a SQLite log of a bridge session: every datagram
// sent to the server and every discovery attempt.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/slime.bridge/internal/monitoring"
	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/timeutil"
	"github.com/banshee-data/slime.bridge/internal/version"
)

var logf = monitoring.Component("recorder")

const (
	DefaultQueueSize     = 4096
	DefaultBatchSize     = 256
	DefaultFlushInterval = 250 * time.Millisecond
)

// Options configures a Recorder. Zero values select the defaults.
type Options struct {
	TrackerCount  int
	TPS           int
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Clock         timeutil.Clock
}

// Recorder implements network.DatagramRecorder and discovery.EventRecorder.
// Datagrams are queued and written in batches by the loop started with
// Start; when the queue is full they are dropped and counted.
type Recorder struct {
	db        *sql.DB
	path      string
	sessionID string
	opts      Options

	queue   chan network.Datagram
	dropped atomic.Uint64
	written atomic.Uint64

	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	closeErr error
	once     sync.Once
}

// Open opens (or creates) the database at path, migrates it and starts a
// new session row.
func Open(path string, opts Options) (*Recorder, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording database: %w", err)
	}
	// One writer; the batch loop and the discovery events share it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{
		db:        db,
		path:      path,
		sessionID: uuid.NewString(),
		opts:      opts,
		queue:     make(chan network.Datagram, opts.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	_, err = db.Exec(
		`INSERT INTO sessions (session_id, version, tracker_count, tps, started_unix_nano) VALUES (?, ?, ?, ?, ?)`,
		r.sessionID, version.Version, opts.TrackerCount, opts.TPS, opts.Clock.Now().UnixNano(),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	logf("recording session %s to %s", r.sessionID, path)
	return r, nil
}

// SessionID returns the id of the session this recorder writes.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Path returns the database path.
func (r *Recorder) Path() string {
	return r.path
}

// DB returns the underlying database, for read-only consumers.
func (r *Recorder) DB() *sql.DB {
	return r.db
}

// Dropped returns how many datagrams were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns how many datagrams have been committed.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// RecordDatagram queues d without blocking.
func (r *Recorder) RecordDatagram(d network.Datagram) {
	select {
	case r.queue <- d:
	default:
		r.dropped.Add(1)
	}
}

// RecordDiscovery writes a discovery attempt immediately. Attempts are at
// most one per read timeout, so they bypass the batch queue.
func (r *Recorder) RecordDiscovery(attempt int, target, outcome, from string) {
	var reply sql.NullString
	if from != "" {
		reply = sql.NullString{String: from, Valid: true}
	}
	_, err := r.db.Exec(
		`INSERT INTO discovery_events (session_id, attempt, target, outcome, reply_from, at_unix_nano) VALUES (?, ?, ?, ?, ?, ?)`,
		r.sessionID, attempt, target, outcome, reply, r.opts.Clock.Now().UnixNano(),
	)
	if err != nil {
		logf("failed to record discovery attempt %d: %v", attempt, err)
	}
}

// Start runs the batch writer until ctx is cancelled or Close is called.
func (r *Recorder) Start(ctx context.Context) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.run(ctx)
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]network.Datagram, 0, r.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.writeBatch(batch); err != nil {
			logf("failed to write %d datagrams: %v", len(batch), err)
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case d := <-r.queue:
				batch = append(batch, d)
				if len(batch) >= r.opts.BatchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-r.stop:
			drain()
			return
		case d := <-r.queue:
			batch = append(batch, d)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) writeBatch(batch []network.Datagram) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO datagrams (session_id, counter, kind, tracker_id, size, sent_unix_nano, error) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range batch {
		var trackerID sql.NullInt64
		if d.TrackerID != network.NoTracker {
			trackerID = sql.NullInt64{Int64: int64(d.TrackerID), Valid: true}
		}
		var errText sql.NullString
		if d.Err != nil {
			errText = sql.NullString{String: d.Err.Error(), Valid: true}
		}
		// sqlite integers are signed; counters past 2^63 wrap, which a
		// session never reaches.
		if _, err := stmt.Exec(r.sessionID, int64(d.Counter), d.Kind.String(), trackerID, d.Size, d.At.UnixNano(), errText); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close stops the writer, flushes queued datagrams, marks the session ended
// and closes the database.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		r.startMu.Lock()
		started := r.started
		r.started = true
		r.startMu.Unlock()

		close(r.stop)
		if started {
			<-r.done
		} else {
			r.run(context.Background())
		}

		if _, err := r.db.Exec(`UPDATE sessions SET ended_unix_nano = ? WHERE session_id = ?`,
			r.opts.Clock.Now().UnixNano(), r.sessionID); err != nil {
			logf("failed to close session %s: %v", r.sessionID, err)
		}
		if n := r.Dropped(); n > 0 {
			logf("dropped %d datagram records", n)
		}
		r.closeErr = r.db.Close()
	})
	return r.closeErr
}
