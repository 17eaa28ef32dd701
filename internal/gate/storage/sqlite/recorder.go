// Package sqlite persists the supervisor's audit trail: events,
// terminal tickets, contact sessions, and sampled track positions,
// keyed by a recording session. The core never touches this package;
// it feeds through the event sink and snapshot interfaces.
package sqlite

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentryline/gatewatch/internal/db"
	"github.com/sentryline/gatewatch/internal/gate"
	"github.com/sentryline/gatewatch/internal/monitoring"
)

// Recorder writes the audit trail for one stream. It implements
// gate.EventSink; snapshots are recorded via RecordSnapshot.
type Recorder struct {
	db        *db.DB
	SessionID string

	recordedTickets map[int64]bool

	// positionSampleEvery thins track position rows; every Nth
	// snapshot records positions.
	positionSampleEvery uint64
	snapshots           uint64
}

// NewRecorder opens a new recording session for the named stream.
func NewRecorder(d *db.DB, streamName string) (*Recorder, error) {
	id := uuid.NewString()
	if _, err := d.Exec(
		`INSERT INTO sessions (session_id, stream_name) VALUES (?, ?)`,
		id, streamName,
	); err != nil {
		return nil, fmt.Errorf("failed to create recording session: %w", err)
	}
	return &Recorder{
		db:                  d,
		SessionID:           id,
		recordedTickets:     make(map[int64]bool),
		positionSampleEvery: 10,
	}, nil
}

// AppendEvent persists one event. Errors are logged, never propagated;
// the frame loop must not fail on a full disk.
func (r *Recorder) AppendEvent(e gate.Event) {
	var md []byte
	if len(e.Metadata) > 0 {
		md, _ = json.Marshal(e.Metadata)
	}
	_, err := r.db.Exec(
		`INSERT INTO events (session_id, event_type, monotonic_ns, track_id, related_track_id, zone_id, confidence, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, string(e.Type), int64(e.TS), e.TrackID, e.RelatedTrackID, string(e.ZoneID), e.Confidence, string(md),
	)
	if err != nil {
		monitoring.Logf("failed to record event %s: %v", e.Type, err)
	}
}

// CloseContact persists a finished contact session.
func (r *Recorder) CloseContact(cs gate.ContactSession) {
	_, err := r.db.Exec(
		`INSERT INTO contact_sessions (session_id, visitor, guard, started_ns, ended_ns, min_dist, max_iou, avg_dist, avg_iou, samples)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, cs.Visitor, cs.Guard, int64(cs.StartedAt), int64(cs.EndedAt),
		cs.MinDist, cs.MaxIoU, cs.AvgDist, cs.AvgIoU, cs.Samples,
	)
	if err != nil {
		monitoring.Logf("failed to record contact session %d/%d: %v", cs.Visitor, cs.Guard, err)
	}
}

// RecordSnapshot persists terminal tickets it has not seen before and,
// on the sampling cadence, track positions with scores.
func (r *Recorder) RecordSnapshot(s gate.Snapshot) {
	for _, t := range s.Tickets {
		if !t.Status.Terminal() || r.recordedTickets[t.ID] {
			continue
		}
		r.recordedTickets[t.ID] = true
		r.recordTicket(t)
	}

	r.snapshots++
	if r.positionSampleEvery == 0 || r.snapshots%r.positionSampleEvery != 0 {
		return
	}
	scores := make(map[int64]float64, len(s.Persons))
	for _, p := range s.Persons {
		scores[p.TrackID] = p.Score
	}
	for _, tr := range s.Tracks {
		c := tr.BBox.Center()
		if _, err := r.db.Exec(
			`INSERT INTO track_positions (session_id, track_id, monotonic_ns, x, y, score)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.SessionID, tr.ID, int64(s.MonotonicTS), c.X, c.Y, scores[tr.ID],
		); err != nil {
			monitoring.Logf("failed to record track position: %v", err)
		}
	}
}

func (r *Recorder) recordTicket(t gate.TicketSnapshot) {
	members := make([]string, len(t.Members))
	for i, m := range t.Members {
		members[i] = strconv.FormatInt(m, 10)
	}
	_, err := r.db.Exec(
		`INSERT INTO tickets (session_id, ticket_id, kind, members, status, examination_mode, assigned_guard_id, ready_ns, examination_dur_ns, completed_ns, escalation_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, t.ID, string(t.Kind), strings.Join(members, ","), string(t.Status),
		string(t.ExamMode), t.AssignedGuardID, int64(t.ReadyAt),
		int64(t.ExaminationDur), int64(t.CompletedAt), t.EscalationReason,
	)
	if err != nil {
		monitoring.Logf("failed to record ticket %d: %v", t.ID, err)
	}
}

// Close stamps the session end time.
func (r *Recorder) Close() error {
	if _, err := r.db.Exec(
		`UPDATE sessions SET ended_at = CURRENT_TIMESTAMP WHERE session_id = ?`,
		r.SessionID,
	); err != nil {
		return fmt.Errorf("failed to close recording session: %w", err)
	}
	return nil
}

// TrackPosition is one sampled track position row.
type TrackPosition struct {
	TrackID int64
	TS      time.Duration
	X, Y    float64
	Score   float64
}

// LoadTrackPositions returns the sampled positions for one recording
// session ordered by track and time.
func LoadTrackPositions(d *db.DB, sessionID string) ([]TrackPosition, error) {
	rows, err := d.Query(
		`SELECT track_id, monotonic_ns, x, y, COALESCE(score, 0)
		 FROM track_positions WHERE session_id = ?
		 ORDER BY track_id, monotonic_ns`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query track positions: %w", err)
	}
	defer rows.Close()
	var out []TrackPosition
	for rows.Next() {
		var p TrackPosition
		var ns int64
		if err := rows.Scan(&p.TrackID, &ns, &p.X, &p.Y, &p.Score); err != nil {
			return nil, fmt.Errorf("failed to scan track position: %w", err)
		}
		p.TS = time.Duration(ns)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SessionInfo summarizes one recording session.
type SessionInfo struct {
	SessionID  string
	StreamName string
	StartedAt  string
	EndedAt    string
}

// ListSessions returns recorded sessions newest-first.
func ListSessions(d *db.DB) ([]SessionInfo, error) {
	rows, err := d.Query(
		`SELECT session_id, stream_name, started_at, COALESCE(ended_at, '')
		 FROM sessions ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionInfo
	for rows.Next() {
		var s SessionInfo
		if err := rows.Scan(&s.SessionID, &s.StreamName, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
