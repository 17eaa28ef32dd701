package gate

import (
	"sort"
	"time"
)

// EventType enumerates the micro-events the supervisor emits.
type EventType string

const (
	EventPersonEnteredGA    EventType = "person_entered_ga"
	EventPersonExitedGA     EventType = "person_exited_ga"
	EventGuardAnchored      EventType = "guard_anchored"
	EventGuardLeftAnchor    EventType = "guard_left_anchor"
	EventContactStarted     EventType = "contact_started"
	EventContactEnded       EventType = "contact_ended"
	EventPoseReach          EventType = "pose_reach"
	EventStateChanged       EventType = "state_changed"
	EventCheckCompleted     EventType = "check_completed"
	EventTicketCreated      EventType = "ticket_created"
	EventTicketAssigned     EventType = "ticket_assigned"
	EventTicketEscalated    EventType = "ticket_escalated"
	EventTicketCancelled    EventType = "ticket_cancelled"
	EventTicketWaitWarning  EventType = "ticket_wait_warning"
	EventGroupFormed        EventType = "group_formed"
	EventGroupSplit         EventType = "group_split"
	EventCommandRejected    EventType = "command_rejected"
)

// Event is one entry in the append-only stream. Metadata is a
// presentation veneer over the typed fields; decisions never read it.
type Event struct {
	Type           EventType         `json:"type"`
	TS             time.Duration     `json:"ts"`
	TrackID        int64             `json:"track_id,omitempty"`
	RelatedTrackID int64             `json:"related_track_id,omitempty"`
	ZoneID         ZoneID            `json:"zone_id,omitempty"`
	Position       *Point            `json:"position,omitempty"`
	Confidence     float64           `json:"confidence,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ContactSession aggregates one continuous contact between a visitor
// and a guard. A zero EndedAt means the session is still open.
type ContactSession struct {
	Visitor   int64         `json:"visitor"`
	Guard     int64         `json:"guard"`
	StartedAt time.Duration `json:"started_at"`
	EndedAt   time.Duration `json:"ended_at,omitempty"`
	MinDist   float64       `json:"min_dist"`
	MaxIoU    float64       `json:"max_iou"`
	AvgDist   float64       `json:"avg_dist"`
	AvgIoU    float64       `json:"avg_iou"`
	Samples   int           `json:"samples"`

	sumDist float64
	sumIoU  float64
}

func (cs *ContactSession) observe(dist, iou float64) {
	if cs.Samples == 0 || dist < cs.MinDist {
		cs.MinDist = dist
	}
	if iou > cs.MaxIoU {
		cs.MaxIoU = iou
	}
	cs.sumDist += dist
	cs.sumIoU += iou
	cs.Samples++
	cs.AvgDist = cs.sumDist / float64(cs.Samples)
	cs.AvgIoU = cs.sumIoU / float64(cs.Samples)
}

type contactKey struct {
	visitor int64
	guard   int64
}

// EventLogCapacity is the default ring size; the stream is logically
// unbounded but only this many entries stay resident.
const EventLogCapacity = 4096

// EventLog is the append-only bounded ring of events plus the
// active-contact map. Appends are synchronous with state transitions.
type EventLog struct {
	ring  []Event
	start int // index of the oldest entry
	count int

	counts   map[EventType]int64
	active   map[contactKey]*ContactSession
	appended uint64

	// sink, when set, receives every appended event and every closed
	// contact session. Used by the recording layer.
	sink EventSink
}

// EventSink receives events and closed contact sessions as they happen.
// Implementations must not block; the frame loop calls them inline.
type EventSink interface {
	AppendEvent(e Event)
	CloseContact(cs ContactSession)
}

// NewEventLog creates a log with the given ring capacity. Capacities
// below 1 fall back to EventLogCapacity.
func NewEventLog(capacity int) *EventLog {
	if capacity < 1 {
		capacity = EventLogCapacity
	}
	return &EventLog{
		ring:   make([]Event, capacity),
		counts: make(map[EventType]int64),
		active: make(map[contactKey]*ContactSession),
	}
}

// SetSink attaches a downstream recorder. Pass nil to detach.
func (el *EventLog) SetSink(sink EventSink) {
	el.sink = sink
}

// Append adds an event to the ring, evicting the oldest entry when full.
func (el *EventLog) Append(e Event) {
	idx := (el.start + el.count) % len(el.ring)
	if el.count == len(el.ring) {
		el.start = (el.start + 1) % len(el.ring)
		el.ring[idx] = e
	} else {
		el.ring[idx] = e
		el.count++
	}
	el.counts[e.Type]++
	el.appended++
	if el.sink != nil {
		el.sink.AppendEvent(e)
	}
	tracef("event %s track=%d related=%d", e.Type, e.TrackID, e.RelatedTrackID)
}

// Len returns the number of resident events.
func (el *EventLog) Len() int { return el.count }

// TotalAppended returns the lifetime append count, including evicted
// entries.
func (el *EventLog) TotalAppended() uint64 { return el.appended }

// Count returns the lifetime count of events of one type.
func (el *EventLog) Count(t EventType) int64 { return el.counts[t] }

// Events returns the resident events oldest-first.
func (el *EventLog) Events() []Event {
	out := make([]Event, 0, el.count)
	for i := 0; i < el.count; i++ {
		out = append(out, el.ring[(el.start+i)%len(el.ring)])
	}
	return out
}

// Timeline returns the resident events referencing the given track,
// oldest-first. Both primary and related track fields match.
func (el *EventLog) Timeline(trackID int64) []Event {
	var out []Event
	for i := 0; i < el.count; i++ {
		e := el.ring[(el.start+i)%len(el.ring)]
		if e.TrackID == trackID || e.RelatedTrackID == trackID {
			out = append(out, e)
		}
	}
	return out
}

// Window returns resident events with from <= ts < to, oldest-first.
func (el *EventLog) Window(from, to time.Duration) []Event {
	var out []Event
	for i := 0; i < el.count; i++ {
		e := el.ring[(el.start+i)%len(el.ring)]
		if e.TS >= from && e.TS < to {
			out = append(out, e)
		}
	}
	return out
}

// ObserveContact folds one frame of contact between a visitor and a
// guard into the active session, creating it on first contact. Returns
// the session and whether it was just created.
func (el *EventLog) ObserveContact(visitor, guard int64, dist, iou float64, now time.Duration) (*ContactSession, bool) {
	key := contactKey{visitor: visitor, guard: guard}
	cs, ok := el.active[key]
	created := false
	if !ok {
		cs = &ContactSession{Visitor: visitor, Guard: guard, StartedAt: now}
		el.active[key] = cs
		created = true
	}
	cs.observe(dist, iou)
	return cs, created
}

// EndContact closes the active session for the pair, if any, and
// returns the finished session.
func (el *EventLog) EndContact(visitor, guard int64, now time.Duration) (ContactSession, bool) {
	key := contactKey{visitor: visitor, guard: guard}
	cs, ok := el.active[key]
	if !ok {
		return ContactSession{}, false
	}
	cs.EndedAt = now
	delete(el.active, key)
	if el.sink != nil {
		el.sink.CloseContact(*cs)
	}
	return *cs, true
}

// EndContactsFor closes every active session involving the track, on
// either side of the pair. Used when a track disappears. Sessions close
// in (visitor, guard) order so replays stay deterministic.
func (el *EventLog) EndContactsFor(trackID int64, now time.Duration) []ContactSession {
	var keys []contactKey
	for key := range el.active {
		if key.visitor == trackID || key.guard == trackID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].visitor != keys[j].visitor {
			return keys[i].visitor < keys[j].visitor
		}
		return keys[i].guard < keys[j].guard
	})
	var out []ContactSession
	for _, key := range keys {
		cs := el.active[key]
		cs.EndedAt = now
		delete(el.active, key)
		if el.sink != nil {
			el.sink.CloseContact(*cs)
		}
		out = append(out, *cs)
	}
	return out
}

// ActiveContact returns the open session for the pair, or nil.
func (el *EventLog) ActiveContact(visitor, guard int64) *ContactSession {
	return el.active[contactKey{visitor: visitor, guard: guard}]
}

// ActiveContacts returns copies of all open sessions ordered by
// (visitor, guard).
func (el *EventLog) ActiveContacts() []ContactSession {
	out := make([]ContactSession, 0, len(el.active))
	for _, cs := range el.active {
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Visitor != out[j].Visitor {
			return out[i].Visitor < out[j].Visitor
		}
		return out[i].Guard < out[j].Guard
	})
	return out
}
