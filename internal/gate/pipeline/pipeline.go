package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sentryline/gatewatch/internal/gate"
)

// SnapshotSink receives per-frame snapshots. Implementations must not
// block the frame loop; drops are the sink's business.
type SnapshotSink interface {
	Publish(s gate.Snapshot)
}

// FrameSource produces frames for the pipeline. NextFrame blocks until
// a frame is available, the source ends (io.EOF), or ctx is cancelled.
type FrameSource interface {
	NextFrame(ctx context.Context) (gate.Frame, error)
}

// Config wires a pipeline's collaborators and initial state. Zero
// fields get defaults from gate.DefaultConfig and a system clock.
type Config struct {
	Gate        gate.Config
	Clock       gate.Clock
	GateArea    []gate.Point
	GuardAnchor []gate.Point

	// SnapshotSink and EventSink are optional observers.
	SnapshotSink SnapshotSink
	EventSink    gate.EventSink

	// CommandBuffer sizes the MPSC control channel. Default 64.
	CommandBuffer int
}

// Pipeline is the per-stream orchestrator. All state mutation happens
// on the single worker that calls ProcessFrame; no locks are held.
type Pipeline struct {
	cfg   gate.Config
	clock gate.Clock

	zones   *gate.ZoneModel
	tracker *gate.Tracker
	pose    *gate.PoseAdapter
	groups  *gate.GroupDetector
	guards  *gate.GuardClassifier
	fsm     *gate.PersonFSM
	scores  *gate.ScoreEngine
	tickets *gate.TicketManager
	events  *gate.EventLog
	counts  *gate.CountTracker

	sink     SnapshotSink
	commands chan Command

	// worker-local frame state
	prevActive   map[int64]bool
	prevInGate   map[int64]bool
	contactGuard map[int64]int64 // person track -> guard track with open contact
	frameCount   uint64
	lastFrameTS  time.Duration
	stopped      bool
	droppedCmds  uint64
}

// New builds a pipeline. The initial zone polygons must be valid.
func New(cfg Config) (*Pipeline, error) {
	gc := cfg.Gate
	if gc == (gate.Config{}) {
		gc = gate.DefaultConfig()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = gate.NewSystemClock()
	}
	zones, err := gate.NewZoneModel(cfg.GateArea, cfg.GuardAnchor)
	if err != nil {
		return nil, fmt.Errorf("pipeline zones: %w", err)
	}
	buf := cfg.CommandBuffer
	if buf <= 0 {
		buf = 64
	}

	scores := gate.NewScoreEngine(gc.Score)
	events := gate.NewEventLog(gc.EventLogCapacity)
	if cfg.EventSink != nil {
		events.SetSink(cfg.EventSink)
	}

	return &Pipeline{
		cfg:          gc,
		clock:        clock,
		zones:        zones,
		tracker:      gate.NewTracker(gc.Tracker, gc.JitterWindow),
		pose:         gate.NewPoseAdapter(gc.Pose),
		groups:       gate.NewGroupDetector(gc.Group),
		guards:       gate.NewGuardClassifier(gc.Guard),
		fsm:          gate.NewPersonFSM(gc.FSM, scores),
		scores:       scores,
		tickets:      gate.NewTicketManager(gc.Queue),
		events:       events,
		counts:       gate.NewCountTracker(),
		sink:         cfg.SnapshotSink,
		commands:     make(chan Command, buf),
		prevActive:   make(map[int64]bool),
		prevInGate:   make(map[int64]bool),
		contactGuard: make(map[int64]int64),
	}, nil
}

// Send enqueues a control command without blocking. Returns an error
// when the command channel is full.
func (p *Pipeline) Send(cmd Command) error {
	select {
	case p.commands <- cmd:
		return nil
	default:
		p.droppedCmds++
		return errors.New("command channel full")
	}
}

// Events exposes the event log for timeline queries.
func (p *Pipeline) Events() *gate.EventLog { return p.events }

// Stopped reports whether a Stop command has been applied.
func (p *Pipeline) Stopped() bool { return p.stopped }

// Run drives the pipeline from a frame source until the source ends,
// the context is cancelled, or a Stop command arrives.
func (p *Pipeline) Run(ctx context.Context, source FrameSource) error {
	for {
		if p.stopped {
			diagf("pipeline stopped after %d frames", p.frameCount)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		frame, err := source.NextFrame(ctx)
		if err != nil {
			return err
		}
		p.ProcessFrame(frame)
	}
}

// frameView adapts the current frame's tracks to the ticket layer.
type frameView struct {
	centers map[int64]gate.Point
	inGate  map[int64]bool
}

func (v *frameView) Center(trackID int64) (gate.Point, bool) {
	c, ok := v.centers[trackID]
	return c, ok
}

func (v *frameView) InGateArea(trackID int64) bool {
	return v.inGate[trackID]
}

// ProcessFrame advances the whole supervisor by one frame and returns
// the observer snapshot.
func (p *Pipeline) ProcessFrame(frame gate.Frame) gate.Snapshot {
	now := frame.Timestamp
	if !frame.HasTimestamp {
		// Only streams that cannot stamp frames fall back to arrival
		// time; a stamp of zero is the stream origin, not an absence.
		now = p.clock.Now()
	}
	if now < p.lastFrameTS {
		now = p.lastFrameTS
	}
	p.lastFrameTS = now
	p.frameCount++

	// Control commands apply strictly before frame processing.
	p.drainCommands(now)

	// Step 1: ingest detections, filter by class and minimum height.
	dets, kps := p.filterDetections(frame)

	// Step 2: track.
	tracks := p.tracker.Update(dets, frame.Width, frame.Height, now)

	// Step 3: zone classification on smoothed centers.
	zones := make(map[int64]gate.ZoneMembership, len(tracks))
	view := &frameView{
		centers: make(map[int64]gate.Point, len(tracks)),
		inGate:  make(map[int64]bool, len(tracks)),
	}
	for _, t := range tracks {
		zm := p.zones.Classify(t.Center)
		zones[t.ID] = zm
		view.centers[t.ID] = t.Center
		view.inGate[t.ID] = zm.InGateArea
		p.counts.Observe(t.ID, zm)
	}

	// Step 4: guard roles and qualification.
	guardChanges := p.guards.Update(tracks, zones, now)
	for _, g := range guardChanges.Qualified {
		p.events.Append(gate.Event{
			Type: gate.EventGuardAnchored, TS: now,
			TrackID: g.BackingTrackID, ZoneID: gate.ZoneGuardAnchor,
		})
	}
	for _, g := range guardChanges.Dequalified {
		p.events.Append(gate.Event{
			Type: gate.EventGuardLeftAnchor, TS: now,
			TrackID: g.BackingTrackID, ZoneID: gate.ZoneGuardAnchor,
		})
	}

	// Gate entry/exit events for person tracks.
	p.emitZoneEdges(tracks, zones, now)

	// Step 5: groups over persons inside the gate area.
	var personsInGate []*gate.Track
	for _, t := range tracks {
		if t.Role == gate.RolePerson && zones[t.ID].InGateArea {
			personsInGate = append(personsInGate, t)
		}
	}
	groupChanges := p.groups.Update(personsInGate, now)
	for _, g := range groupChanges.Formed {
		p.events.Append(gate.Event{
			Type: gate.EventGroupFormed, TS: now,
			Metadata: map[string]string{"group_id": strconv.FormatInt(g.ID, 10)},
		})
	}
	for _, split := range groupChanges.Split {
		p.events.Append(gate.Event{
			Type: gate.EventGroupSplit, TS: now,
			Metadata: map[string]string{"group_id": strconv.FormatInt(split.GroupID, 10)},
		})
		present := make([]int64, 0, len(split.Members))
		for _, m := range split.Members {
			if p.tracker.Get(m) != nil {
				present = append(present, m)
			}
		}
		for _, ch := range p.tickets.HandleGroupSplit(split, present, p.guards, now) {
			p.emitTicketChange(ch, now)
		}
	}

	// Step 6: attach pose observations.
	p.observePose(dets, kps, frame.Width, frame.Height, tracks, now)

	// Step 7: advance every person's state machine.
	p.stepPersons(tracks, zones, now)

	// Step 9: tickets. Creation, assignment, progress, escalation.
	p.createTickets(tracks, zones, now)
	for _, ch := range p.tickets.Assign(p.guards, now) {
		p.emitTicketChange(ch, now)
	}
	for _, ch := range p.tickets.Progress(p.guards, view, now) {
		p.emitTicketChange(ch, now)
	}
	for _, ch := range p.tickets.EscalationSweep(p.guards, now) {
		p.emitTicketChange(ch, now)
	}

	// Step 10: drop per-track state for vanished tracks.
	p.cleanup(tracks, now)

	// Step 11: snapshot for observers.
	snap := p.buildSnapshot(frame.FrameID, now, tracks, zones)
	if p.sink != nil {
		p.sink.Publish(snap)
	}
	tracef("frame %d: %d tracks, %d queued tickets", frame.FrameID, len(tracks), len(snap.Queue))
	return snap
}

func (p *Pipeline) drainCommands(now time.Duration) {
	for {
		select {
		case cmd := <-p.commands:
			cmd.apply(p, now)
		default:
			return
		}
	}
}

// filterDetections keeps person-class detections tall enough to be
// real, preserving any pose hints alongside.
func (p *Pipeline) filterDetections(frame gate.Frame) ([]gate.Detection, [][]gate.Keypoint) {
	if frame.Height <= 0 || frame.Width <= 0 {
		return nil, nil
	}
	minH := p.cfg.MinHeightPx
	var dets []gate.Detection
	var kps [][]gate.Keypoint
	for i, d := range frame.Detections {
		if d.ClassID != gate.PersonClassID {
			continue
		}
		if d.BBoxPx[3]-d.BBoxPx[1] < minH {
			continue
		}
		dets = append(dets, d)
		if frame.Keypoints != nil && i < len(frame.Keypoints) {
			kps = append(kps, frame.Keypoints[i])
		} else {
			kps = append(kps, nil)
		}
	}
	return dets, kps
}

// observePose associates per-detection keypoints with tracks by best
// box overlap and records them on the adapter.
func (p *Pipeline) observePose(dets []gate.Detection, kps [][]gate.Keypoint, frameW, frameH int, tracks []*gate.Track, now time.Duration) {
	if len(kps) == 0 {
		return
	}
	for i, kp := range kps {
		if kp == nil || i >= len(dets) {
			continue
		}
		db := dets[i].Normalize(frameW, frameH)
		var best *gate.Track
		bestIoU := 0.5
		for _, t := range tracks {
			if overlap := gate.IoU(db, t.BBox); overlap > bestIoU {
				best = t
				bestIoU = overlap
			}
		}
		if best != nil {
			p.pose.Observe(best.ID, kp, now)
		}
	}
}

func (p *Pipeline) emitZoneEdges(tracks []*gate.Track, zones map[int64]gate.ZoneMembership, now time.Duration) {
	for _, t := range tracks {
		inGate := zones[t.ID].InGateArea
		was := p.prevInGate[t.ID]
		if inGate && !was {
			pos := t.Center
			p.events.Append(gate.Event{
				Type: gate.EventPersonEnteredGA, TS: now,
				TrackID: t.ID, ZoneID: gate.ZoneGateArea,
				Position: &pos, Confidence: t.Confidence,
			})
		} else if !inGate && was {
			pos := t.Center
			p.events.Append(gate.Event{
				Type: gate.EventPersonExitedGA, TS: now,
				TrackID: t.ID, ZoneID: gate.ZoneGateArea,
				Position: &pos, Confidence: t.Confidence,
			})
		}
		p.prevInGate[t.ID] = inGate
	}
}

// stepPersons runs guard selection, contact measurement, and the FSM
// for every confirmed person track.
func (p *Pipeline) stepPersons(tracks []*gate.Track, zones map[int64]gate.ZoneMembership, now time.Duration) {
	qualified := p.guards.QualifiedGuards()
	for _, t := range tracks {
		if t.Role != gate.RolePerson {
			// A promoted guard sheds any person record it accrued
			// before promotion.
			p.fsm.Drop(t.ID)
			continue
		}
		in := gate.StepInput{
			InGateArea: zones[t.ID].InGateArea,
			Now:        now,
		}

		guard := gate.SelectGuard(t.Center, qualified, p.tracker.Get)
		var guardTrack *gate.Track
		if guard != nil {
			guardTrack = p.tracker.Get(guard.BackingTrackID)
		}
		if guard != nil && guardTrack != nil {
			in.GuardID = guard.ID
			in.GuardTrackID = guardTrack.ID
			in.Contact = gate.MeasureContact(t, guardTrack, p.cfg.FSM)
			in.PoseContact = p.pose.HandToTorso(t.ID, guardTrack.ID, guardTrack.BBox)
			in.PoseReach = p.pose.ReachGesture(t.ID, guardTrack.ID, guardTrack.BBox)
		}

		p.updateContactSession(t.ID, in, now)
		if in.PoseReach {
			p.events.Append(gate.Event{
				Type: gate.EventPoseReach, TS: now,
				TrackID: t.ID, RelatedTrackID: in.GuardTrackID,
			})
		}

		res := p.fsm.Step(t.ID, in)
		if res.Changed {
			p.events.Append(gate.Event{
				Type: gate.EventStateChanged, TS: now,
				TrackID: t.ID, RelatedTrackID: in.GuardTrackID,
				Metadata: map[string]string{"from": string(res.Prev), "to": string(res.State)},
			})
		}
		if res.Completed {
			p.events.Append(gate.Event{
				Type: gate.EventCheckCompleted, TS: now,
				TrackID: t.ID, RelatedTrackID: in.GuardTrackID,
				Confidence: res.Score.Total,
				Metadata: map[string]string{
					"contact_confidence": fmt.Sprintf("%.3f", res.Score.ContactConf),
					"pose_confidence":    fmt.Sprintf("%.3f", res.Score.PoseConf),
					"persistence":        fmt.Sprintf("%.3f", res.Score.Persistence),
				},
			})
			diagf("check completed for person %d, score %.3f", t.ID, res.Score.Total)
		}
	}
}

// updateContactSession maintains the (visitor, guard) contact session
// and its start/end events.
func (p *Pipeline) updateContactSession(personID int64, in gate.StepInput, now time.Duration) {
	contact := in.GuardTrackID != 0 && (in.Contact.Contact || in.PoseContact)
	openGuard, hasOpen := p.contactGuard[personID]

	if hasOpen && (!contact || openGuard != in.GuardTrackID) {
		if cs, ok := p.events.EndContact(personID, openGuard, now); ok {
			p.emitContactEnded(cs, now)
		}
		delete(p.contactGuard, personID)
		hasOpen = false
	}
	if !contact {
		return
	}
	_, created := p.events.ObserveContact(personID, in.GuardTrackID, in.Contact.Dist, in.Contact.IoU, now)
	if created {
		p.events.Append(gate.Event{
			Type: gate.EventContactStarted, TS: now,
			TrackID: personID, RelatedTrackID: in.GuardTrackID,
		})
	}
	p.contactGuard[personID] = in.GuardTrackID
}

func (p *Pipeline) emitContactEnded(cs gate.ContactSession, now time.Duration) {
	p.events.Append(gate.Event{
		Type: gate.EventContactEnded, TS: now,
		TrackID: cs.Visitor, RelatedTrackID: cs.Guard,
		Metadata: map[string]string{
			"min_dist": fmt.Sprintf("%.4f", cs.MinDist),
			"max_iou":  fmt.Sprintf("%.4f", cs.MaxIoU),
			"avg_dist": fmt.Sprintf("%.4f", cs.AvgDist),
			"avg_iou":  fmt.Sprintf("%.4f", cs.AvgIoU),
			"samples":  strconv.Itoa(cs.Samples),
		},
	})
}

// createTickets opens individual tickets for ready persons and group
// tickets for stable groups.
func (p *Pipeline) createTickets(tracks []*gate.Track, zones map[int64]gate.ZoneMembership, now time.Duration) {
	for _, t := range tracks {
		if t.Role != gate.RolePerson || !zones[t.ID].InGateArea {
			continue
		}
		if g := p.groups.GroupOf(t.ID); g != nil && g.Stable {
			continue
		}
		ps := p.fsm.State(t.ID)
		if ps == nil || ps.DwellInGA < p.cfg.FSM.PresenceToCheck {
			continue
		}
		if ticket, ok := p.tickets.CreateIndividual(t.ID, now, now); ok {
			p.emitTicketChange(gate.TicketChange{Kind: gate.TicketChangeCreated, Ticket: ticket}, now)
		}
	}
	for _, g := range p.groups.Groups() {
		if !g.Stable {
			continue
		}
		if ticket, ok := p.tickets.CreateGroup(g.ID, g.Members, now); ok {
			p.emitTicketChange(gate.TicketChange{Kind: gate.TicketChangeCreated, Ticket: ticket}, now)
		}
	}
}

func (p *Pipeline) emitTicketChange(ch gate.TicketChange, now time.Duration) {
	switch ch.Kind {
	case gate.TicketChangeCreated:
		p.emitTicketEvent(gate.EventTicketCreated, ch.Ticket, now)
	case gate.TicketChangeAssigned:
		p.emitTicketEvent(gate.EventTicketAssigned, ch.Ticket, now)
	case gate.TicketChangeEscalated:
		p.emitTicketEvent(gate.EventTicketEscalated, ch.Ticket, now)
	case gate.TicketChangeCancelled:
		p.emitTicketEvent(gate.EventTicketCancelled, ch.Ticket, now)
	case gate.TicketChangeWarned:
		p.emitTicketEvent(gate.EventTicketWaitWarning, ch.Ticket, now)
	case gate.TicketChangeStarted, gate.TicketChangeCompleted:
		// Examination start and completion surface through the ticket
		// status in the snapshot and the person's check_completed event.
	}
}

func (p *Pipeline) emitTicketEvent(typ gate.EventType, t *gate.Ticket, now time.Duration) {
	md := map[string]string{
		"ticket_id": strconv.FormatInt(t.ID, 10),
		"kind":      string(t.Kind),
		"status":    string(t.Status),
	}
	if t.EscalationReason != "" {
		md["reason"] = t.EscalationReason
	}
	for k, v := range t.Metadata {
		md[k] = v
	}
	var trackID int64
	if len(t.Members) == 1 {
		trackID = t.Members[0]
	}
	p.events.Append(gate.Event{Type: typ, TS: now, TrackID: trackID, Metadata: md})
}

// cleanup drops per-track state for tracks no longer active.
func (p *Pipeline) cleanup(tracks []*gate.Track, now time.Duration) {
	active := make(map[int64]bool, len(tracks))
	for _, t := range tracks {
		active[t.ID] = true
	}
	for id := range p.prevActive {
		if active[id] {
			continue
		}
		p.fsm.Drop(id)
		p.pose.Drop(id)
		p.guards.Drop(id)
		p.counts.Drop(id)
		p.events.EndContactsFor(id, now)
		delete(p.contactGuard, id)
		delete(p.prevInGate, id)
	}
	p.prevActive = active
}

func (p *Pipeline) buildSnapshot(frameID uint64, now time.Duration, tracks []*gate.Track, zones map[int64]gate.ZoneMembership) gate.Snapshot {
	snap := gate.Snapshot{
		FrameID:     frameID,
		MonotonicTS: now,
		Tracks:      make([]gate.TrackSnapshot, 0, len(tracks)),
		Queue:       p.tickets.Queue(),
		Counts:      p.counts.Counts(),
	}
	for _, t := range tracks {
		zm := zones[t.ID]
		snap.Tracks = append(snap.Tracks, gate.TrackSnapshot{
			ID:       t.ID,
			Role:     t.Role,
			BBox:     t.BBox,
			InGate:   zm.InGateArea,
			InAnchor: zm.InGuardAnchor,
			Velocity: t.Velocity(),
		})
	}
	for _, g := range p.groups.Groups() {
		snap.Groups = append(snap.Groups, gate.SnapshotGroup(g))
	}
	guards := p.guards.Guards()
	activeGuards := 0
	for _, g := range guards {
		if g.Qualified {
			activeGuards++
		}
		snap.Guards = append(snap.Guards, gate.SnapshotGuard(g))
	}
	for _, t := range p.tickets.Tickets() {
		snap.Tickets = append(snap.Tickets, gate.SnapshotTicket(t))
	}
	for _, ps := range p.fsm.States() {
		snap.Persons = append(snap.Persons, gate.SnapshotPerson(ps))
	}
	snap.Stats = gate.ComputeQueueStats(
		activeGuards, len(snap.Queue),
		p.tickets.TotalProcessed(), p.tickets.TotalEscalated(),
		p.tickets.WaitSamples(),
	)
	return snap
}
