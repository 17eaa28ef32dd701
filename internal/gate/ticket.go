package gate

import (
	"sort"
	"strconv"
	"time"
)

// TicketKind distinguishes individual from group examinations.
type TicketKind string

const (
	TicketIndividual TicketKind = "individual"
	TicketGroup      TicketKind = "group"
)

// TicketStatus is the ticket lifecycle state.
type TicketStatus string

const (
	TicketWaiting   TicketStatus = "WAITING"
	TicketAssigning TicketStatus = "ASSIGNING"
	TicketInCheck   TicketStatus = "IN_CHECK"
	TicketInBatch   TicketStatus = "IN_BATCH"
	TicketChecked   TicketStatus = "CHECKED"
	TicketEscalated TicketStatus = "ESCALATED"
	TicketCancelled TicketStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s TicketStatus) Terminal() bool {
	return s == TicketChecked || s == TicketEscalated || s == TicketCancelled
}

// ExamMode selects how group tickets are examined.
type ExamMode string

const (
	ExamBatch      ExamMode = "batch"
	ExamSequential ExamMode = "sequential"
)

// Escalation reasons are machine-readable outcomes, not errors.
const (
	ReasonGuardLeft  = "Guard left during examination"
	ReasonMemberLeft = "Member left gate area during examination"
	ReasonMaxWait    = "Maximum wait time exceeded"
	ReasonGroupSplit = "Group split due to separation"
)

// Ticket is the queue-addressable unit of examination work.
type Ticket struct {
	ID               int64
	Kind             TicketKind
	Members          []int64
	Status           TicketStatus
	ExamMode         ExamMode
	AssignedGuardID  int64 // 0 when unassigned
	GroupID          int64 // backing group for group tickets
	CreatedAt        time.Duration
	ReadyAt          time.Duration
	ProximityStart   time.Duration
	ProximityActive  bool
	ProximityDur     time.Duration
	ExaminationStart time.Duration
	ExaminationDur   time.Duration
	CompletedAt      time.Duration
	EscalationReason string
	Metadata         map[string]string

	// seqIndex is the member currently under examination in
	// sequential mode.
	seqIndex int
	warned   bool
}

// QueueConfig holds ticket timing thresholds.
type QueueConfig struct {
	ProximityMin       time.Duration
	CheckMinIndividual time.Duration
	CheckMinBatch      time.Duration
	TWarn              time.Duration
	TMaxWait           time.Duration
	DMax               float64 // guard-to-member proximity distance
	ExamMode           ExamMode
}

// DefaultQueueConfig returns the queue timing thresholds.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		ProximityMin:       2 * time.Second,
		CheckMinIndividual: 3 * time.Second,
		CheckMinBatch:      4 * time.Second,
		TWarn:              30 * time.Second,
		TMaxWait:           45 * time.Second,
		DMax:               0.15,
		ExamMode:           ExamBatch,
	}
}

// TicketChangeKind labels one lifecycle change for event emission.
type TicketChangeKind string

const (
	TicketChangeCreated   TicketChangeKind = "created"
	TicketChangeAssigned  TicketChangeKind = "assigned"
	TicketChangeStarted   TicketChangeKind = "started"
	TicketChangeCompleted TicketChangeKind = "completed"
	TicketChangeEscalated TicketChangeKind = "escalated"
	TicketChangeCancelled TicketChangeKind = "cancelled"
	TicketChangeWarned    TicketChangeKind = "warned"
)

// TicketChange is one observable lifecycle change from a manager call.
type TicketChange struct {
	Kind   TicketChangeKind
	Ticket *Ticket
}

// GuardDirectory is the view of the guard layer the ticket manager
// needs. All references are by ID.
type GuardDirectory interface {
	QualifiedGuards() []*Guard
	Guard(id int64) *Guard
	SetCurrentTicket(guardID, ticketID int64)
	ClearCurrentTicket(guardID int64)
}

// TrackView resolves track geometry and zone membership for proximity
// checks. Implemented by the pipeline over the current frame.
type TrackView interface {
	Center(trackID int64) (Point, bool)
	InGateArea(trackID int64) bool
}

// TicketManager owns tickets and the FIFO examination queue.
type TicketManager struct {
	Config QueueConfig

	tickets  map[int64]*Ticket
	queue    []int64
	byMember map[int64]int64 // member track ID -> non-terminal ticket ID
	byGroup  map[int64]int64 // group ID -> non-terminal ticket ID
	nextID   int64

	totalProcessed int64
	totalEscalated int64
	waitSamples    []float64 // seconds from ready to examination start
}

// NewTicketManager creates an empty manager.
func NewTicketManager(config QueueConfig) *TicketManager {
	return &TicketManager{
		Config:   config,
		tickets:  make(map[int64]*Ticket),
		byMember: make(map[int64]int64),
		byGroup:  make(map[int64]int64),
		nextID:   1,
	}
}

// SetExamMode switches the mode applied to future group tickets.
func (tm *TicketManager) SetExamMode(mode ExamMode) {
	tm.Config.ExamMode = mode
}

// Ticket returns the ticket with the given ID, or nil.
func (tm *TicketManager) Ticket(id int64) *Ticket {
	return tm.tickets[id]
}

// Tickets returns all tickets ordered by ID.
func (tm *TicketManager) Tickets() []*Ticket {
	out := make([]*Ticket, 0, len(tm.tickets))
	for _, t := range tm.tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Queue returns the queued ticket IDs in FIFO order.
func (tm *TicketManager) Queue() []int64 {
	return append([]int64(nil), tm.queue...)
}

// ForMember returns the member's non-terminal ticket, or nil.
func (tm *TicketManager) ForMember(trackID int64) *Ticket {
	if id, ok := tm.byMember[trackID]; ok {
		return tm.tickets[id]
	}
	return nil
}

// ForGroup returns the group's non-terminal ticket, or nil.
func (tm *TicketManager) ForGroup(groupID int64) *Ticket {
	if id, ok := tm.byGroup[groupID]; ok {
		return tm.tickets[id]
	}
	return nil
}

// CreateIndividual opens a WAITING ticket for one person. readyAt lets
// split inheritors keep their original queue priority. No-op when the
// person already has a non-terminal ticket.
func (tm *TicketManager) CreateIndividual(trackID int64, now, readyAt time.Duration) (*Ticket, bool) {
	if _, exists := tm.byMember[trackID]; exists {
		return nil, false
	}
	t := tm.newTicket(TicketIndividual, []int64{trackID}, now, readyAt)
	tm.byMember[trackID] = t.ID
	diagf("ticket %d created for person %d", t.ID, trackID)
	return t, true
}

// CreateGroup opens a WAITING ticket for a stable group. No-op when the
// group or any member already has a non-terminal ticket.
func (tm *TicketManager) CreateGroup(groupID int64, members []int64, now time.Duration) (*Ticket, bool) {
	if _, exists := tm.byGroup[groupID]; exists {
		return nil, false
	}
	for _, m := range members {
		if _, exists := tm.byMember[m]; exists {
			return nil, false
		}
	}
	t := tm.newTicket(TicketGroup, members, now, now)
	t.ExamMode = tm.Config.ExamMode
	t.GroupID = groupID
	tm.byGroup[groupID] = t.ID
	for _, m := range members {
		tm.byMember[m] = t.ID
	}
	diagf("ticket %d created for group %d members %v", t.ID, groupID, members)
	return t, true
}

func (tm *TicketManager) newTicket(kind TicketKind, members []int64, now, readyAt time.Duration) *Ticket {
	t := &Ticket{
		ID:        tm.nextID,
		Kind:      kind,
		Members:   append([]int64(nil), members...),
		Status:    TicketWaiting,
		CreatedAt: now,
		ReadyAt:   readyAt,
	}
	tm.nextID++
	tm.tickets[t.ID] = t
	tm.queue = append(tm.queue, t.ID)
	return t
}

// Assign matches available qualified guards to WAITING tickets in queue
// order, first-come-first-served.
func (tm *TicketManager) Assign(dir GuardDirectory, now time.Duration) []TicketChange {
	available := make([]*Guard, 0)
	for _, g := range dir.QualifiedGuards() {
		if g.CurrentTicketID == 0 {
			available = append(available, g)
		}
	}
	var changes []TicketChange
	gi := 0
	for _, id := range tm.queue {
		if gi >= len(available) {
			break
		}
		t := tm.tickets[id]
		if t.Status != TicketWaiting {
			continue
		}
		g := available[gi]
		gi++
		t.AssignedGuardID = g.ID
		t.Status = TicketAssigning
		dir.SetCurrentTicket(g.ID, t.ID)
		changes = append(changes, TicketChange{Kind: TicketChangeAssigned, Ticket: t})
		diagf("ticket %d assigned to guard %d", t.ID, g.ID)
	}
	return changes
}

// Progress advances every in-flight ticket one frame: guard checks,
// proximity windows, examination windows, completion.
func (tm *TicketManager) Progress(dir GuardDirectory, view TrackView, now time.Duration) []TicketChange {
	var changes []TicketChange
	for _, id := range append([]int64(nil), tm.queue...) {
		t := tm.tickets[id]
		switch t.Status {
		case TicketAssigning, TicketInCheck, TicketInBatch:
		default:
			continue
		}

		guard := dir.Guard(t.AssignedGuardID)
		if guard == nil || !guard.Qualified {
			tm.escalate(t, ReasonGuardLeft, dir, now)
			changes = append(changes, TicketChange{Kind: TicketChangeEscalated, Ticket: t})
			continue
		}
		guardCenter, ok := view.Center(guard.BackingTrackID)
		if !ok {
			tm.escalate(t, ReasonGuardLeft, dir, now)
			changes = append(changes, TicketChange{Kind: TicketChangeEscalated, Ticket: t})
			continue
		}

		if t.Status != TicketAssigning {
			// Mid-examination departures end the examination.
			if tm.anyMemberLeft(t, view) {
				tm.escalate(t, ReasonMemberLeft, dir, now)
				changes = append(changes, TicketChange{Kind: TicketChangeEscalated, Ticket: t})
				continue
			}
		}

		if !tm.proximityHolds(t, guardCenter, view) {
			// No credit carries over a broken proximity window.
			t.ProximityActive = false
			t.ProximityDur = 0
			continue
		}
		if !t.ProximityActive {
			t.ProximityActive = true
			t.ProximityStart = now
		}
		t.ProximityDur = now - t.ProximityStart

		if t.Status == TicketAssigning {
			if t.ProximityDur >= tm.Config.ProximityMin {
				if t.Kind == TicketGroup && t.ExamMode == ExamBatch {
					t.Status = TicketInBatch
				} else {
					t.Status = TicketInCheck
				}
				t.ExaminationStart = now
				changes = append(changes, TicketChange{Kind: TicketChangeStarted, Ticket: t})
				diagf("ticket %d examination started (%s)", t.ID, t.Status)
			}
			continue
		}

		t.ExaminationDur = now - t.ExaminationStart
		required := tm.Config.CheckMinIndividual
		if t.Status == TicketInBatch {
			required = tm.Config.CheckMinBatch
		}
		if t.ExaminationDur < required {
			continue
		}

		if t.Kind == TicketGroup && t.ExamMode == ExamSequential && t.seqIndex < len(t.Members)-1 {
			// This member is done; restart the windows for the next one.
			t.seqIndex++
			t.ProximityActive = false
			t.ProximityDur = 0
			t.Status = TicketAssigning
			continue
		}

		t.Status = TicketChecked
		t.CompletedAt = now
		tm.totalProcessed++
		tm.waitSamples = append(tm.waitSamples, (t.ExaminationStart - t.ReadyAt).Seconds())
		tm.release(t, dir)
		tm.dequeue(t)
		changes = append(changes, TicketChange{Kind: TicketChangeCompleted, Ticket: t})
		diagf("ticket %d checked after %.1fs examination", t.ID, t.ExaminationDur.Seconds())
	}
	return changes
}

// proximityHolds evaluates the guard-to-member distance rule for the
// ticket's mode: every in-gate member in batch mode, the current member
// in sequential mode.
func (tm *TicketManager) proximityHolds(t *Ticket, guardCenter Point, view TrackView) bool {
	members := t.Members
	if t.Kind == TicketGroup && t.ExamMode == ExamSequential {
		if t.seqIndex >= len(t.Members) {
			return false
		}
		members = t.Members[t.seqIndex : t.seqIndex+1]
	}
	any := false
	for _, m := range members {
		if !view.InGateArea(m) {
			continue
		}
		c, ok := view.Center(m)
		if !ok {
			continue
		}
		if Euclidean(guardCenter, c) <= tm.Config.DMax {
			any = true
		}
	}
	return any
}

func (tm *TicketManager) anyMemberLeft(t *Ticket, view TrackView) bool {
	for _, m := range t.Members {
		if !view.InGateArea(m) {
			return true
		}
	}
	return false
}

// EscalationSweep escalates tickets past the maximum wait and flags
// soft warnings past TWarn. The wait ends when the examination starts,
// so WAITING and ASSIGNING tickets are both covered; an assigned
// ticket whose member vanished before its proximity window filled
// would otherwise hold its guard forever.
func (tm *TicketManager) EscalationSweep(dir GuardDirectory, now time.Duration) []TicketChange {
	var changes []TicketChange
	for _, id := range append([]int64(nil), tm.queue...) {
		t := tm.tickets[id]
		switch t.Status {
		case TicketWaiting:
		case TicketAssigning:
			// A sequential group between members is back in ASSIGNING
			// but its examination already started; the wait is over.
			if t.ExaminationStart != 0 {
				continue
			}
		default:
			continue
		}
		waited := now - t.ReadyAt
		if waited >= tm.Config.TMaxWait {
			tm.escalate(t, ReasonMaxWait, dir, now)
			changes = append(changes, TicketChange{Kind: TicketChangeEscalated, Ticket: t})
			continue
		}
		if !t.warned && waited >= tm.Config.TWarn {
			t.warned = true
			changes = append(changes, TicketChange{Kind: TicketChangeWarned, Ticket: t})
			opsf("ticket %d waiting %.0fs, max wait is %.0fs", t.ID, waited.Seconds(), tm.Config.TMaxWait.Seconds())
		}
	}
	return changes
}

// HandleGroupSplit cancels the split group's ticket and opens one
// WAITING individual ticket per former member, inheriting the original
// queue priority. presentMembers restricts inheritance to tracks that
// still exist.
func (tm *TicketManager) HandleGroupSplit(split SplitGroup, presentMembers []int64, dir GuardDirectory, now time.Duration) []TicketChange {
	var changes []TicketChange
	readyAt := now
	if old := tm.ForGroup(split.GroupID); old != nil {
		readyAt = old.ReadyAt
		tm.cancel(old, ReasonGroupSplit, dir, now)
		changes = append(changes, TicketChange{Kind: TicketChangeCancelled, Ticket: old})
	}
	present := make(map[int64]bool, len(presentMembers))
	for _, m := range presentMembers {
		present[m] = true
	}
	for _, m := range split.Members {
		if !present[m] {
			continue
		}
		t, ok := tm.CreateIndividual(m, now, readyAt)
		if !ok {
			continue
		}
		t.Metadata = map[string]string{"split_from_group": strconv.FormatInt(split.GroupID, 10)}
		changes = append(changes, TicketChange{Kind: TicketChangeCreated, Ticket: t})
	}
	return changes
}

// Cancel cancels a ticket by ID. Idempotent: cancelling a terminal or
// unknown ticket does nothing. Any held guard is released.
func (tm *TicketManager) Cancel(id int64, reason string, dir GuardDirectory, now time.Duration) (*Ticket, bool) {
	t := tm.tickets[id]
	if t == nil || t.Status.Terminal() {
		return t, false
	}
	tm.cancel(t, reason, dir, now)
	return t, true
}

func (tm *TicketManager) cancel(t *Ticket, reason string, dir GuardDirectory, now time.Duration) {
	t.Status = TicketCancelled
	t.EscalationReason = reason
	t.CompletedAt = now
	tm.release(t, dir)
	tm.dequeue(t)
	diagf("ticket %d cancelled: %s", t.ID, reason)
}

func (tm *TicketManager) escalate(t *Ticket, reason string, dir GuardDirectory, now time.Duration) {
	t.Status = TicketEscalated
	t.EscalationReason = reason
	t.CompletedAt = now
	tm.totalEscalated++
	tm.release(t, dir)
	tm.dequeue(t)
	opsf("ticket %d escalated: %s", t.ID, reason)
}

// release clears the guard linkage and member/group indexes for a
// ticket leaving the non-terminal set.
func (tm *TicketManager) release(t *Ticket, dir GuardDirectory) {
	if t.AssignedGuardID != 0 {
		dir.ClearCurrentTicket(t.AssignedGuardID)
	}
	for _, m := range t.Members {
		if tm.byMember[m] == t.ID {
			delete(tm.byMember, m)
		}
	}
	if t.GroupID != 0 && tm.byGroup[t.GroupID] == t.ID {
		delete(tm.byGroup, t.GroupID)
	}
}

func (tm *TicketManager) dequeue(t *Ticket) {
	for i, id := range tm.queue {
		if id == t.ID {
			tm.queue = append(tm.queue[:i], tm.queue[i+1:]...)
			return
		}
	}
}

// TotalProcessed returns the lifetime count of CHECKED tickets.
func (tm *TicketManager) TotalProcessed() int64 { return tm.totalProcessed }

// TotalEscalated returns the lifetime count of ESCALATED tickets.
func (tm *TicketManager) TotalEscalated() int64 { return tm.totalEscalated }

// WaitSamples returns the recorded ready-to-examination waits in
// seconds for completed tickets.
func (tm *TicketManager) WaitSamples() []float64 {
	return append([]float64(nil), tm.waitSamples...)
}
