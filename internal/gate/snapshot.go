package gate

import "time"

// Snapshot is the per-frame observer payload. It is a copy of immutable
// projections: observers never alias pipeline state.
type Snapshot struct {
	FrameID     uint64           `json:"frame_id"`
	MonotonicTS time.Duration    `json:"monotonic_ts"`
	Tracks      []TrackSnapshot  `json:"tracks"`
	Groups      []GroupSnapshot  `json:"groups"`
	Guards      []GuardSnapshot  `json:"guards"`
	Tickets     []TicketSnapshot `json:"tickets"`
	Queue       []int64          `json:"queue"`
	Persons     []PersonSnapshot `json:"persons"`
	Counts      ObjectCounts     `json:"counts"`
	Stats       QueueStats       `json:"stats"`
}

type TrackSnapshot struct {
	ID       int64 `json:"id"`
	Role     Role  `json:"role"`
	BBox     BBox  `json:"bbox_norm"`
	InGate   bool  `json:"in_gate"`
	InAnchor bool  `json:"in_anchor"`
	Velocity Point `json:"velocity"`
}

type GroupSnapshot struct {
	ID       int64   `json:"id"`
	Members  []int64 `json:"members"`
	Stable   bool    `json:"stable"`
	Centroid Point   `json:"centroid"`
}

type GuardSnapshot struct {
	ID              int64 `json:"id"`
	BackingTrackID  int64 `json:"backing_track_id"`
	Qualified       bool  `json:"qualified"`
	CurrentTicketID int64 `json:"current_ticket_id,omitempty"`
}

type TicketSnapshot struct {
	ID               int64         `json:"id"`
	Kind             TicketKind    `json:"kind"`
	Members          []int64       `json:"members"`
	Status           TicketStatus  `json:"status"`
	ExamMode         ExamMode      `json:"examination_mode"`
	AssignedGuardID  int64         `json:"assigned_guard_id,omitempty"`
	ProximityDur     time.Duration `json:"proximity_duration"`
	ExaminationDur   time.Duration `json:"examination_duration"`
	EscalationReason string        `json:"escalation_reason,omitempty"`
	ReadyAt          time.Duration `json:"ready_at"`
	CompletedAt      time.Duration `json:"completed_at,omitempty"`
}

type PersonSnapshot struct {
	TrackID          int64         `json:"track_id"`
	State            PersonStateID `json:"state"`
	DwellInGA        time.Duration `json:"dwell_in_ga"`
	GuardOverlapTime time.Duration `json:"guard_overlap_time"`
	InteractionTime  time.Duration `json:"interaction_time"`
	Score            float64       `json:"score"`
	CooldownUntil    time.Duration `json:"cooldown_until,omitempty"`
}

// SnapshotTicket projects a ticket into its observer form.
func SnapshotTicket(t *Ticket) TicketSnapshot {
	return TicketSnapshot{
		ID:               t.ID,
		Kind:             t.Kind,
		Members:          append([]int64(nil), t.Members...),
		Status:           t.Status,
		ExamMode:         t.ExamMode,
		AssignedGuardID:  t.AssignedGuardID,
		ProximityDur:     t.ProximityDur,
		ExaminationDur:   t.ExaminationDur,
		EscalationReason: t.EscalationReason,
		ReadyAt:          t.ReadyAt,
		CompletedAt:      t.CompletedAt,
	}
}

// SnapshotGroup projects a group into its observer form.
func SnapshotGroup(g *Group) GroupSnapshot {
	return GroupSnapshot{
		ID:       g.ID,
		Members:  append([]int64(nil), g.Members...),
		Stable:   g.Stable,
		Centroid: g.Centroid,
	}
}

// SnapshotGuard projects a guard into its observer form.
func SnapshotGuard(g *Guard) GuardSnapshot {
	return GuardSnapshot{
		ID:              g.ID,
		BackingTrackID:  g.BackingTrackID,
		Qualified:       g.Qualified,
		CurrentTicketID: g.CurrentTicketID,
	}
}

// SnapshotPerson projects a person record into its observer form.
func SnapshotPerson(ps *PersonState) PersonSnapshot {
	return PersonSnapshot{
		TrackID:          ps.TrackID,
		State:            ps.State,
		DwellInGA:        ps.DwellInGA,
		GuardOverlapTime: ps.GuardOverlapTime,
		InteractionTime:  ps.InteractionTime,
		Score:            ps.Score,
		CooldownUntil:    ps.CooldownUntil,
	}
}
