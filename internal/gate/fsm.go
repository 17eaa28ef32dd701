package gate

import (
	"math"
	"sort"
	"time"
)

// PersonStateID names one FSM state.
type PersonStateID string

const (
	StateIdle              PersonStateID = "IDLE"
	StatePresentInGA       PersonStateID = "PRESENT_IN_GA"
	StateGuardPresent      PersonStateID = "GUARD_PRESENT"
	StateInteractionWindow PersonStateID = "INTERACTION_WINDOW"
	StateCheckCompleted    PersonStateID = "CHECK_COMPLETED"
)

// Hysteresis counters saturate here instead of growing without bound.
const counterSaturation = 1 << 20

// FSMConfig holds the per-person state machine thresholds.
type FSMConfig struct {
	MinConsensus    int           // consecutive frames before acting on a predicate
	PresenceToCheck time.Duration // dwell required before a ticket
	GuardReady      time.Duration // guard overlap required for completion
	InteractionMin  time.Duration // contact time required for completion
	SessionTimeout  time.Duration // stale-session reset
	Cooldown        time.Duration // post-completion lockout

	// Contact predicate thresholds. Distance is normalized by the mean
	// bbox height of the pair so the predicate is depth-invariant.
	ContactDistScale float64
	ContactIoUMin    float64
}

// DefaultFSMConfig returns the state machine thresholds.
func DefaultFSMConfig() FSMConfig {
	return FSMConfig{
		MinConsensus:     3,
		PresenceToCheck:  6 * time.Second,
		GuardReady:       3 * time.Second,
		InteractionMin:   1200 * time.Millisecond,
		SessionTimeout:   8 * time.Second,
		Cooldown:         10 * time.Second,
		ContactDistScale: 0.35,
		ContactIoUMin:    0.03,
	}
}

// PersonState is the FSM record for one person track. The hysteresis
// counters are the sole path from instantaneous predicates to state
// transitions.
type PersonState struct {
	TrackID              int64
	State                PersonStateID
	DwellInGA            time.Duration
	GuardOverlapTime     time.Duration
	InteractionTime      time.Duration
	SessionStart         time.Duration
	SessionActive        bool
	LastUpdate           time.Duration
	ConsecutiveInGA      int
	ConsecutiveOutGA     int
	ConsecutiveContact   int
	ConsecutiveNoContact int
	PoseReachCount       int
	MinCenterDistance    float64
	MaxIoU               float64
	Score                float64
	CooldownUntil        time.Duration
	SelectedGuardID      int64 // 0 when no guard is selected
}

// ContactObs is one frame's contact measurement between a person and
// the selected guard.
type ContactObs struct {
	Dist    float64 // center distance normalized by mean bbox height
	RawDist float64 // plain normalized center distance
	IoU     float64
	Contact bool
}

// MeasureContact evaluates the contact predicate between two tracks.
func MeasureContact(person, guard *Track, cfg FSMConfig) ContactObs {
	raw := Euclidean(person.Center, guard.Center)
	meanH := (person.BBox.Height() + guard.BBox.Height()) / 2
	dist := raw
	if meanH > 0 {
		dist = raw / meanH
	}
	overlap := IoU(person.BBox, guard.BBox)
	return ContactObs{
		Dist:    dist,
		RawDist: raw,
		IoU:     overlap,
		Contact: dist <= cfg.ContactDistScale || overlap >= cfg.ContactIoUMin,
	}
}

// StepInput is everything the FSM needs for one person-frame.
type StepInput struct {
	InGateArea   bool
	GuardID      int64 // selected qualified guard, 0 if none
	GuardTrackID int64
	Contact      ContactObs
	PoseContact  bool // hand-to-torso predicate
	PoseReach    bool // reach gesture detected this frame
	Now          time.Duration
}

// StepResult reports what changed during one step.
type StepResult struct {
	Prev      PersonStateID
	State     PersonStateID
	Changed   bool
	Completed bool
	Score     ScoreBreakdown
}

// PersonFSM owns one PersonState per person track and advances them
// frame by frame.
type PersonFSM struct {
	Config FSMConfig
	Scores *ScoreEngine

	states map[int64]*PersonState
}

// NewPersonFSM creates the state machine collection.
func NewPersonFSM(config FSMConfig, scores *ScoreEngine) *PersonFSM {
	return &PersonFSM{
		Config: config,
		Scores: scores,
		states: make(map[int64]*PersonState),
	}
}

// State returns the record for a track, or nil.
func (fm *PersonFSM) State(trackID int64) *PersonState {
	return fm.states[trackID]
}

// States returns all records ordered by track ID.
func (fm *PersonFSM) States() []*PersonState {
	out := make([]*PersonState, 0, len(fm.states))
	for _, ps := range fm.states {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Drop removes the record for a vanished track.
func (fm *PersonFSM) Drop(trackID int64) {
	delete(fm.states, trackID)
}

// SelectGuard picks the qualified guard nearest to the person; ties
// break toward the lower guard ID. Returns nil when none qualify.
func SelectGuard(personCenter Point, guards []*Guard, trackOf func(int64) *Track) *Guard {
	var best *Guard
	bestDist := math.Inf(1)
	for _, g := range guards {
		if !g.Qualified {
			continue
		}
		t := trackOf(g.BackingTrackID)
		if t == nil {
			continue
		}
		d := Euclidean(personCenter, t.Center)
		if d < bestDist || (d == bestDist && best != nil && g.ID < best.ID) {
			best = g
			bestDist = d
		}
	}
	return best
}

// Step advances one person's machine by one frame.
func (fm *PersonFSM) Step(trackID int64, in StepInput) StepResult {
	ps := fm.states[trackID]
	if ps == nil {
		ps = &PersonState{
			TrackID:           trackID,
			State:             StateIdle,
			LastUpdate:        in.Now,
			MinCenterDistance: math.Inf(1),
		}
		fm.states[trackID] = ps
	}

	dt := in.Now - ps.LastUpdate
	if dt > 0 {
		if dt < time.Millisecond {
			dt = time.Millisecond
		}
		if dt > time.Second {
			dt = time.Second
		}
	} else {
		dt = 0
	}

	// Stale session: reset before processing the new frame.
	if in.Now-ps.LastUpdate >= fm.Config.SessionTimeout {
		fm.resetSession(ps)
		dt = 0
	}
	ps.LastUpdate = in.Now

	// Hysteresis counters.
	if in.InGateArea {
		ps.ConsecutiveInGA = saturate(ps.ConsecutiveInGA + 1)
		ps.ConsecutiveOutGA = 0
	} else {
		ps.ConsecutiveOutGA = saturate(ps.ConsecutiveOutGA + 1)
		ps.ConsecutiveInGA = 0
	}
	contact := in.GuardID != 0 && (in.Contact.Contact || in.PoseContact)
	if contact {
		ps.ConsecutiveContact = saturate(ps.ConsecutiveContact + 1)
		ps.ConsecutiveNoContact = 0
	} else {
		ps.ConsecutiveNoContact = saturate(ps.ConsecutiveNoContact + 1)
		ps.ConsecutiveContact = 0
	}

	// Timers.
	if in.InGateArea {
		ps.DwellInGA += dt
	}
	if in.GuardID != 0 {
		ps.GuardOverlapTime += dt
	}
	if contact {
		ps.InteractionTime += dt
	}

	// Contact extrema feed the score's contact confidence.
	if contact {
		if in.Contact.Dist < ps.MinCenterDistance {
			ps.MinCenterDistance = in.Contact.Dist
		}
		if in.Contact.IoU > ps.MaxIoU {
			ps.MaxIoU = in.Contact.IoU
		}
	}
	if in.PoseReach {
		ps.PoseReachCount++
	}
	ps.SelectedGuardID = in.GuardID

	prev := ps.State
	fm.transition(ps, in, contact)

	breakdown := fm.Scores.Score(ps, in.Now)
	ps.Score = breakdown.Total

	completed := false
	if fm.completionMet(ps, in.Now) {
		ps.State = StateCheckCompleted
		ps.CooldownUntil = in.Now + fm.Config.Cooldown
		completed = true
	}

	return StepResult{
		Prev:      prev,
		State:     ps.State,
		Changed:   ps.State != prev,
		Completed: completed,
		Score:     breakdown,
	}
}

func (fm *PersonFSM) transition(ps *PersonState, in StepInput, contact bool) {
	mc := fm.Config.MinConsensus
	switch ps.State {
	case StateIdle:
		if ps.ConsecutiveInGA >= mc {
			ps.State = StatePresentInGA
			ps.SessionActive = true
			ps.SessionStart = in.Now
		}
	case StatePresentInGA:
		switch {
		case ps.ConsecutiveOutGA >= mc:
			fm.endSession(ps)
		case in.GuardID != 0:
			ps.State = StateGuardPresent
		}
	case StateGuardPresent:
		switch {
		case ps.ConsecutiveOutGA >= mc:
			fm.endSession(ps)
		case in.GuardID == 0:
			ps.State = StatePresentInGA
		case ps.ConsecutiveContact >= mc || in.PoseContact || in.PoseReach:
			ps.State = StateInteractionWindow
		}
	case StateInteractionWindow:
		switch {
		case ps.ConsecutiveOutGA >= mc:
			fm.endSession(ps)
		case ps.ConsecutiveNoContact >= 2*mc:
			ps.State = StateGuardPresent
		}
	case StateCheckCompleted:
		if in.Now >= ps.CooldownUntil {
			fm.endSession(ps)
		}
	}
}

// completionMet checks the four completion criteria. Only sessions in a
// guard-facing state and outside cooldown can complete.
func (fm *PersonFSM) completionMet(ps *PersonState, now time.Duration) bool {
	if ps.State != StateGuardPresent && ps.State != StateInteractionWindow {
		return false
	}
	if ps.CooldownUntil != 0 && now < ps.CooldownUntil {
		return false
	}
	return ps.DwellInGA >= fm.Config.PresenceToCheck &&
		ps.GuardOverlapTime >= fm.Config.GuardReady &&
		ps.InteractionTime >= fm.Config.InteractionMin &&
		fm.Scores.MeetsThreshold(ps.Score)
}

// endSession returns the machine to IDLE and clears session counters.
// The cooldown stamp survives so a completed person cannot immediately
// start over.
func (fm *PersonFSM) endSession(ps *PersonState) {
	cooldown := ps.CooldownUntil
	fm.resetSession(ps)
	ps.CooldownUntil = cooldown
}

func (fm *PersonFSM) resetSession(ps *PersonState) {
	ps.State = StateIdle
	ps.DwellInGA = 0
	ps.GuardOverlapTime = 0
	ps.InteractionTime = 0
	ps.SessionActive = false
	ps.SessionStart = 0
	ps.ConsecutiveInGA = 0
	ps.ConsecutiveOutGA = 0
	ps.ConsecutiveContact = 0
	ps.ConsecutiveNoContact = 0
	ps.PoseReachCount = 0
	ps.MinCenterDistance = math.Inf(1)
	ps.MaxIoU = 0
	ps.Score = 0
	ps.SelectedGuardID = 0
	ps.CooldownUntil = 0
}

// SweepStale resets sessions for tracks that have not been stepped
// within the session timeout. Returns the track IDs that were reset.
func (fm *PersonFSM) SweepStale(now time.Duration) []int64 {
	var reset []int64
	for id, ps := range fm.states {
		if ps.State != StateIdle && now-ps.LastUpdate >= fm.Config.SessionTimeout {
			fm.resetSession(ps)
			reset = append(reset, id)
		}
	}
	sort.Slice(reset, func(i, j int) bool { return reset[i] < reset[j] })
	return reset
}

func saturate(v int) int {
	if v > counterSaturation {
		return counterSaturation
	}
	return v
}
