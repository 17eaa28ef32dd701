package gate

import (
	"sort"
	"time"
)

// AnchorLogic selects how guard qualification is judged.
type AnchorLogic string

const (
	AnchorStrict AnchorLogic = "strict_anchor"
	AnchorEither AnchorLogic = "either"
	AnchorNone   AnchorLogic = "no_anchor"
)

// GuardConfig holds guard promotion and qualification thresholds.
type GuardConfig struct {
	GuardReady  time.Duration // dwell required before qualification
	TVacate     time.Duration // out-of-anchor grace before dequalifying
	TRejoin     time.Duration // location-history window for mobile guards
	AnchorLogic AnchorLogic

	// DowngradeAfter and RecentAnchorMin control demotion of stale
	// guards back to person role.
	DowngradeAfter  time.Duration
	RecentAnchorMin time.Duration
}

// DefaultGuardConfig returns guard thresholds for a single-anchor gate.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		GuardReady:      3 * time.Second,
		TVacate:         2 * time.Second,
		TRejoin:         10 * time.Second,
		AnchorLogic:     AnchorEither,
		DowngradeAfter:  30 * time.Second,
		RecentAnchorMin: 1 * time.Second,
	}
}

// Guard is a track promoted to the guard role.
type Guard struct {
	ID              int64
	BackingTrackID  int64
	ActiveSince     time.Duration
	LastSeen        time.Duration
	Qualified       bool
	CurrentTicketID int64 // 0 when the guard holds no ticket
}

type locationSample struct {
	ts       time.Duration
	inAnchor bool
	inGate   bool
}

// anchorStats carries the running zone history for one track.
type anchorStats struct {
	anchorSince     time.Duration // entry instant of the current anchor stay
	inAnchor        bool
	gateSince       time.Duration
	inGate          bool
	totalAnchorTime time.Duration
	lastInAnchor    time.Duration // last instant the track was seen inside the anchor
	history         []locationSample
	lastSample      time.Duration
}

// GuardChanges reports role transitions from one classifier update.
type GuardChanges struct {
	Qualified   []*Guard // guards that became qualified this frame
	Dequalified []*Guard
	Downgraded  []int64 // track IDs demoted back to person
}

// GuardClassifier promotes tracks to the guard role from their anchor
// dwell and movement pattern, and maintains qualification. It owns all
// Guard records; the ticket layer refers to guards by ID.
type GuardClassifier struct {
	Config GuardConfig

	guards  map[int64]*Guard // guard ID -> guard
	byTrack map[int64]int64  // track ID -> guard ID
	stats   map[int64]*anchorStats
	nextID  int64
}

// NewGuardClassifier creates a classifier with the given thresholds.
func NewGuardClassifier(config GuardConfig) *GuardClassifier {
	return &GuardClassifier{
		Config:  config,
		guards:  make(map[int64]*Guard),
		byTrack: make(map[int64]int64),
		stats:   make(map[int64]*anchorStats),
		nextID:  1,
	}
}

// SetAnchorLogic switches the qualification mode at a frame boundary.
func (gc *GuardClassifier) SetAnchorLogic(mode AnchorLogic) {
	gc.Config.AnchorLogic = mode
}

// Guards returns the live guards ordered by ID.
func (gc *GuardClassifier) Guards() []*Guard {
	out := make([]*Guard, 0, len(gc.guards))
	for _, g := range gc.guards {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Guard returns the guard with the given ID, or nil.
func (gc *GuardClassifier) Guard(id int64) *Guard {
	return gc.guards[id]
}

// GuardByTrack returns the guard backed by the given track, or nil.
func (gc *GuardClassifier) GuardByTrack(trackID int64) *Guard {
	if gid, ok := gc.byTrack[trackID]; ok {
		return gc.guards[gid]
	}
	return nil
}

// QualifiedGuards returns qualified guards ordered by ID.
func (gc *GuardClassifier) QualifiedGuards() []*Guard {
	var out []*Guard
	for _, g := range gc.Guards() {
		if g.Qualified {
			out = append(out, g)
		}
	}
	return out
}

// SetCurrentTicket records the guard's held ticket.
func (gc *GuardClassifier) SetCurrentTicket(guardID, ticketID int64) {
	if g := gc.guards[guardID]; g != nil {
		g.CurrentTicketID = ticketID
	}
}

// ClearCurrentTicket releases the guard's held ticket.
func (gc *GuardClassifier) ClearCurrentTicket(guardID int64) {
	if g := gc.guards[guardID]; g != nil {
		g.CurrentTicketID = 0
	}
}

// Drop forgets all classifier state for a track that no longer exists.
func (gc *GuardClassifier) Drop(trackID int64) {
	delete(gc.stats, trackID)
	if gid, ok := gc.byTrack[trackID]; ok {
		delete(gc.guards, gid)
		delete(gc.byTrack, trackID)
	}
}

// Update advances anchor statistics for every confirmed track, promotes
// and demotes guards, and re-evaluates qualification. Track roles are
// written back onto the tracks.
func (gc *GuardClassifier) Update(tracks []*Track, zones map[int64]ZoneMembership, now time.Duration) GuardChanges {
	var changes GuardChanges

	for _, t := range tracks {
		zm := zones[t.ID]
		st := gc.stats[t.ID]
		if st == nil {
			st = &anchorStats{lastSample: now}
			gc.stats[t.ID] = st
		}
		gc.observe(st, zm, now)

		guard := gc.GuardByTrack(t.ID)
		if guard == nil {
			if gc.shouldPromote(st, now) {
				guard = &Guard{
					ID:             gc.nextID,
					BackingTrackID: t.ID,
					ActiveSince:    now,
					LastSeen:       now,
				}
				gc.nextID++
				gc.guards[guard.ID] = guard
				gc.byTrack[t.ID] = guard.ID
				t.Role = RoleGuard
				diagf("track %d promoted to guard %d", t.ID, guard.ID)
			} else if t.Role == RoleUnknown {
				t.Role = RolePerson
			}
			if guard == nil {
				continue
			}
		}

		guard.LastSeen = now
		t.Role = RoleGuard

		if gc.shouldDowngrade(st, guard, now) {
			changes.Downgraded = append(changes.Downgraded, t.ID)
			if guard.Qualified {
				changes.Dequalified = append(changes.Dequalified, guard)
			}
			delete(gc.guards, guard.ID)
			delete(gc.byTrack, t.ID)
			t.Role = RolePerson
			diagf("guard %d downgraded to person (track %d)", guard.ID, t.ID)
			continue
		}

		wasQualified := guard.Qualified
		guard.Qualified = gc.isQualified(st, now)
		if guard.Qualified && !wasQualified {
			changes.Qualified = append(changes.Qualified, guard)
		} else if !guard.Qualified && wasQualified {
			changes.Dequalified = append(changes.Dequalified, guard)
		}
	}

	return changes
}

// observe folds one frame of zone membership into the track's stats.
func (gc *GuardClassifier) observe(st *anchorStats, zm ZoneMembership, now time.Duration) {
	dt := now - st.lastSample
	if st.inAnchor && dt > 0 {
		st.totalAnchorTime += dt
	}
	st.lastSample = now

	if zm.InGuardAnchor {
		if !st.inAnchor {
			st.inAnchor = true
			st.anchorSince = now
		}
		st.lastInAnchor = now
	} else {
		st.inAnchor = false
	}
	if zm.InGateArea {
		if !st.inGate {
			st.inGate = true
			st.gateSince = now
		}
	} else {
		st.inGate = false
	}

	st.history = append(st.history, locationSample{ts: now, inAnchor: zm.InGuardAnchor, inGate: zm.InGateArea})
	cutoff := now - gc.Config.TRejoin
	for len(st.history) > 0 && st.history[0].ts < cutoff {
		st.history = st.history[1:]
	}
}

// shouldPromote applies the two promotion paths: sustained anchor dwell,
// or the mobile-guard movement pattern over the history window.
func (gc *GuardClassifier) shouldPromote(st *anchorStats, now time.Duration) bool {
	if gc.Config.AnchorLogic == AnchorNone {
		return true
	}
	if st.inAnchor && now-st.anchorSince >= gc.Config.GuardReady {
		return true
	}
	anchorVisits, gateVisits := st.visitCounts()
	return anchorVisits >= 2 && gateVisits >= 1
}

// visitCounts counts anchor entries (rising edges) and gate visits in
// the retained history window.
func (st *anchorStats) visitCounts() (anchorVisits, gateVisits int) {
	prevAnchor, prevGate := false, false
	for _, s := range st.history {
		if s.inAnchor && !prevAnchor {
			anchorVisits++
		}
		if s.inGate && !prevGate {
			gateVisits++
		}
		prevAnchor, prevGate = s.inAnchor, s.inGate
	}
	return anchorVisits, gateVisits
}

// recentAnchorTime sums anchor presence inside the trailing window.
func (st *anchorStats) recentAnchorTime(now, window time.Duration) time.Duration {
	cutoff := now - window
	var total time.Duration
	for i := 1; i < len(st.history); i++ {
		if st.history[i].ts < cutoff || !st.history[i].inAnchor {
			continue
		}
		total += st.history[i].ts - st.history[i-1].ts
	}
	return total
}

func (gc *GuardClassifier) isQualified(st *anchorStats, now time.Duration) bool {
	switch gc.Config.AnchorLogic {
	case AnchorNone:
		return true
	case AnchorStrict:
		return st.totalAnchorTime >= gc.Config.GuardReady && st.inAnchor
	default: // AnchorEither
		if !st.inAnchor && !st.inGate && now-st.lastInAnchor > gc.Config.TVacate {
			return false
		}
		if st.inAnchor && now-st.anchorSince >= gc.Config.GuardReady {
			return true
		}
		if st.inGate && now-st.gateSince >= gc.Config.GuardReady {
			return true
		}
		// A guard that already accumulated its dwell stays qualified
		// through short absences from the anchor.
		return st.totalAnchorTime >= gc.Config.GuardReady &&
			(st.inAnchor || st.inGate || now-st.lastInAnchor <= gc.Config.TVacate)
	}
}

// shouldDowngrade demotes long-standing guards with no recent anchor
// activity back to the person role.
func (gc *GuardClassifier) shouldDowngrade(st *anchorStats, g *Guard, now time.Duration) bool {
	if gc.Config.AnchorLogic == AnchorNone {
		return false
	}
	if now-g.ActiveSince < gc.Config.DowngradeAfter {
		return false
	}
	return st.recentAnchorTime(now, gc.Config.TRejoin) < gc.Config.RecentAnchorMin
}
