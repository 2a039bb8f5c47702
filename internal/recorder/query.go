package recorder

import (
	"database/sql"
	"fmt"
	"time"
)

// DatagramRow is a recorded datagram as stored.
type DatagramRow struct {
	Counter   uint64    `json:"counter"`
	Kind      string    `json:"kind"`
	TrackerID *int      `json:"tracker_id,omitempty"`
	Size      int       `json:"size"`
	SentAt    time.Time `json:"sent_at"`
	Error     string    `json:"error,omitempty"`
}

// DiscoveryRow is a recorded discovery attempt.
type DiscoveryRow struct {
	Attempt int       `json:"attempt"`
	Target  string    `json:"target"`
	Outcome string    `json:"outcome"`
	From    string    `json:"from,omitempty"`
	At      time.Time `json:"at"`
}

// RecentDatagrams returns up to limit datagrams of the current session,
// newest first.
func (r *Recorder) RecentDatagrams(limit int) ([]DatagramRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT counter, kind, tracker_id, size, sent_unix_nano, error
		FROM datagrams
		WHERE session_id = ?
		ORDER BY counter DESC
		LIMIT ?`, r.sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query datagrams: %w", err)
	}
	defer rows.Close()

	var out []DatagramRow
	for rows.Next() {
		var (
			row       DatagramRow
			counter   int64
			trackerID sql.NullInt64
			sent      int64
			errText   sql.NullString
		)
		if err := rows.Scan(&counter, &row.Kind, &trackerID, &row.Size, &sent, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan datagram: %w", err)
		}
		row.Counter = uint64(counter)
		if trackerID.Valid {
			id := int(trackerID.Int64)
			row.TrackerID = &id
		}
		row.SentAt = time.Unix(0, sent).UTC()
		row.Error = errText.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// DiscoveryEvents returns the discovery attempts of the current session in
// the order they happened.
func (r *Recorder) DiscoveryEvents() ([]DiscoveryRow, error) {
	rows, err := r.db.Query(`
		SELECT attempt, target, outcome, reply_from, at_unix_nano
		FROM discovery_events
		WHERE session_id = ?
		ORDER BY rowid`, r.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query discovery events: %w", err)
	}
	defer rows.Close()

	var out []DiscoveryRow
	for rows.Next() {
		var (
			row  DiscoveryRow
			from sql.NullString
			at   int64
		)
		if err := rows.Scan(&row.Attempt, &row.Target, &row.Outcome, &from, &at); err != nil {
			return nil, fmt.Errorf("failed to scan discovery event: %w", err)
		}
		row.From = from.String
		row.At = time.Unix(0, at).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}
