package pipeline

import (
	"fmt"
	"time"

	"github.com/sentryline/gatewatch/internal/gate"
)

// Command is a control message applied at the next frame boundary. The
// command channel is MPSC: many callers enqueue, the pipeline worker
// drains serially at the start of each frame.
type Command interface {
	apply(p *Pipeline, now time.Duration)
}

// UpdateZones replaces both zone polygons. Invalid polygons are
// rejected: a command_rejected event is emitted and the previous zones
// stay active.
type UpdateZones struct {
	GateArea    []gate.Point
	GuardAnchor []gate.Point
}

func (c UpdateZones) apply(p *Pipeline, now time.Duration) {
	if err := p.zones.Update(c.GateArea, c.GuardAnchor); err != nil {
		opsf("zone update rejected: %v", err)
		p.events.Append(gate.Event{
			Type:     gate.EventCommandRejected,
			TS:       now,
			Metadata: map[string]string{"command": "update_zones", "error": err.Error()},
		})
		return
	}
	diagf("zones updated")
}

// SetExaminationMode switches the mode applied to future group tickets.
type SetExaminationMode struct {
	Mode gate.ExamMode
}

func (c SetExaminationMode) apply(p *Pipeline, now time.Duration) {
	switch c.Mode {
	case gate.ExamBatch, gate.ExamSequential:
		p.tickets.SetExamMode(c.Mode)
		diagf("examination mode set to %s", c.Mode)
	default:
		p.events.Append(gate.Event{
			Type:     gate.EventCommandRejected,
			TS:       now,
			Metadata: map[string]string{"command": "set_examination_mode", "error": fmt.Sprintf("unknown mode %q", c.Mode)},
		})
	}
}

// SetAnchorLogic switches the guard qualification mode.
type SetAnchorLogic struct {
	Mode gate.AnchorLogic
}

func (c SetAnchorLogic) apply(p *Pipeline, now time.Duration) {
	switch c.Mode {
	case gate.AnchorStrict, gate.AnchorEither, gate.AnchorNone:
		p.guards.SetAnchorLogic(c.Mode)
		diagf("anchor logic set to %s", c.Mode)
	default:
		p.events.Append(gate.Event{
			Type:     gate.EventCommandRejected,
			TS:       now,
			Metadata: map[string]string{"command": "set_anchor_logic", "error": fmt.Sprintf("unknown mode %q", c.Mode)},
		})
	}
}

// CancelTicket cancels a ticket by ID. Idempotent: cancelling a
// terminal or unknown ticket is a no-op.
type CancelTicket struct {
	TicketID int64
	Reason   string
}

func (c CancelTicket) apply(p *Pipeline, now time.Duration) {
	t, ok := p.tickets.Cancel(c.TicketID, c.Reason, p.guards, now)
	if !ok {
		return
	}
	p.emitTicketEvent(gate.EventTicketCancelled, t, now)
}

// ResetCounts zeroes the cumulative zone counters.
type ResetCounts struct{}

func (c ResetCounts) apply(p *Pipeline, now time.Duration) {
	p.counts.Reset()
	diagf("counts reset")
}

// Stop requests a cooperative stop; the frame loop exits before the
// next frame. Pending work is dropped, nothing is flushed.
type Stop struct{}

func (c Stop) apply(p *Pipeline, now time.Duration) {
	p.stopped = true
}
