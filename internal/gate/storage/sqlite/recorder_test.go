package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryline/gatewatch/internal/db"
	"github.com/sentryline/gatewatch/internal/gate"
)

const migrationsDir = "../../../db/migrations"

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.MigrateUp(migrationsDir))
	return d
}

func countRows(t *testing.T, d *db.DB, table, sessionID string) int {
	t.Helper()
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE session_id = ?`, sessionID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestMigrationsApply(t *testing.T) {
	d := openTestDB(t)
	version, dirty, err := d.MigrateVersion(migrationsDir)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 1, version)
}

func TestRecorderSessionLifecycle(t *testing.T) {
	d := openTestDB(t)
	r, err := NewRecorder(d, "gate-7")
	require.NoError(t, err)

	sessions, err := ListSessions(d)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, r.SessionID, sessions[0].SessionID)
	assert.Equal(t, "gate-7", sessions[0].StreamName)
	assert.Empty(t, sessions[0].EndedAt, "open session has no end stamp")

	require.NoError(t, r.Close())
	sessions, err = ListSessions(d)
	require.NoError(t, err)
	assert.NotEmpty(t, sessions[0].EndedAt)
}

func TestRecorderEventsAndContacts(t *testing.T) {
	d := openTestDB(t)
	r, err := NewRecorder(d, "gate-0")
	require.NoError(t, err)

	r.AppendEvent(gate.Event{
		Type:    gate.EventPersonEnteredGA,
		TS:      time.Second,
		TrackID: 1,
		ZoneID:  gate.ZoneGateArea,
		Metadata: map[string]string{
			"note": "first",
		},
	})
	r.AppendEvent(gate.Event{Type: gate.EventCheckCompleted, TS: 9 * time.Second, TrackID: 1, Confidence: 0.95})
	r.CloseContact(gate.ContactSession{
		Visitor:   1,
		Guard:     2,
		StartedAt: 3 * time.Second,
		EndedAt:   8 * time.Second,
		MinDist:   0.1,
		MaxIoU:    0.2,
		AvgDist:   0.15,
		AvgIoU:    0.1,
		Samples:   50,
	})

	assert.Equal(t, 2, countRows(t, d, "events", r.SessionID))
	assert.Equal(t, 1, countRows(t, d, "contact_sessions", r.SessionID))

	var eventType string
	var confidence float64
	err = d.QueryRow(
		`SELECT event_type, confidence FROM events WHERE session_id = ? AND track_id = 1 AND monotonic_ns = ?`,
		r.SessionID, int64(9*time.Second),
	).Scan(&eventType, &confidence)
	require.NoError(t, err)
	assert.Equal(t, string(gate.EventCheckCompleted), eventType)
	assert.InDelta(t, 0.95, confidence, 1e-9)
}

func TestRecorderSnapshotSamplingAndTickets(t *testing.T) {
	d := openTestDB(t)
	r, err := NewRecorder(d, "gate-0")
	require.NoError(t, err)

	terminal := gate.TicketSnapshot{
		ID:             1,
		Kind:           gate.TicketIndividual,
		Members:        []int64{4},
		Status:         gate.TicketChecked,
		ExamMode:       gate.ExamBatch,
		ReadyAt:        6 * time.Second,
		ExaminationDur: 3 * time.Second,
		CompletedAt:    11 * time.Second,
	}
	open := gate.TicketSnapshot{ID: 2, Status: gate.TicketWaiting, Members: []int64{5}}

	for i := 0; i < 10; i++ {
		r.RecordSnapshot(gate.Snapshot{
			FrameID:     uint64(i + 1),
			MonotonicTS: time.Duration(i) * 100 * time.Millisecond,
			Tracks: []gate.TrackSnapshot{
				{ID: 4, BBox: gate.BBox{X1: 0.4, Y1: 0.4, X2: 0.5, Y2: 0.7}},
				{ID: 5, BBox: gate.BBox{X1: 0.6, Y1: 0.4, X2: 0.7, Y2: 0.7}},
			},
			Persons: []gate.PersonSnapshot{{TrackID: 4, Score: 0.8}},
			Tickets: []gate.TicketSnapshot{terminal, open},
		})
	}

	// Terminal tickets record once, open tickets not at all.
	assert.Equal(t, 1, countRows(t, d, "tickets", r.SessionID))
	var status, members string
	err = d.QueryRow(
		`SELECT status, members FROM tickets WHERE session_id = ? AND ticket_id = 1`,
		r.SessionID,
	).Scan(&status, &members)
	require.NoError(t, err)
	assert.Equal(t, string(gate.TicketChecked), status)
	assert.Equal(t, "4", members)

	// Positions sample on the 10th snapshot only: one row per track.
	positions, err := LoadTrackPositions(d, r.SessionID)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.EqualValues(t, 4, positions[0].TrackID)
	assert.InDelta(t, 0.45, positions[0].X, 1e-9)
	assert.InDelta(t, 0.8, positions[0].Score, 1e-9)
	assert.InDelta(t, 0.0, positions[1].Score, 1e-9, "tracks without a person record score zero")
}
