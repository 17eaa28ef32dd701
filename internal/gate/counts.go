package gate

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ObjectCounts tracks zone entry/exit totals derived from per-track
// zone transition edges. Counts are cumulative until reset.
type ObjectCounts struct {
	TotalDetected      int64 `json:"total_detected"`
	GateEntries        int64 `json:"gate_entries"`
	GateExits          int64 `json:"gate_exits"`
	AnchorEntries      int64 `json:"anchor_entries"`
	AnchorExits        int64 `json:"anchor_exits"`
	CurrentInGate      int64 `json:"current_in_gate"`
	CurrentInAnchor    int64 `json:"current_in_anchor"`
	TotalPassedThrough int64 `json:"total_passed_through"`
}

// CountTracker maintains ObjectCounts from per-frame zone membership.
type CountTracker struct {
	counts   ObjectCounts
	inGate   map[int64]bool
	inAnchor map[int64]bool
	everGate map[int64]bool
	seen     map[int64]bool
}

// NewCountTracker creates an empty tracker.
func NewCountTracker() *CountTracker {
	return &CountTracker{
		inGate:   make(map[int64]bool),
		inAnchor: make(map[int64]bool),
		everGate: make(map[int64]bool),
		seen:     make(map[int64]bool),
	}
}

// Observe folds one track-frame of zone membership into the counts.
func (ct *CountTracker) Observe(trackID int64, zm ZoneMembership) {
	if !ct.seen[trackID] {
		ct.seen[trackID] = true
		ct.counts.TotalDetected++
	}
	if zm.InGateArea && !ct.inGate[trackID] {
		ct.inGate[trackID] = true
		ct.counts.GateEntries++
		ct.everGate[trackID] = true
	} else if !zm.InGateArea && ct.inGate[trackID] {
		ct.inGate[trackID] = false
		ct.counts.GateExits++
	}
	if zm.InGuardAnchor && !ct.inAnchor[trackID] {
		ct.inAnchor[trackID] = true
		ct.counts.AnchorEntries++
	} else if !zm.InGuardAnchor && ct.inAnchor[trackID] {
		ct.inAnchor[trackID] = false
		ct.counts.AnchorExits++
	}
}

// Drop finalizes a vanished track. A track that was ever in the gate
// area counts as having passed through.
func (ct *CountTracker) Drop(trackID int64) {
	if ct.inGate[trackID] {
		ct.counts.GateExits++
	}
	if ct.inAnchor[trackID] {
		ct.counts.AnchorExits++
	}
	if ct.everGate[trackID] {
		ct.counts.TotalPassedThrough++
	}
	delete(ct.inGate, trackID)
	delete(ct.inAnchor, trackID)
	delete(ct.everGate, trackID)
	delete(ct.seen, trackID)
}

// Counts returns the current totals with live occupancy filled in.
func (ct *CountTracker) Counts() ObjectCounts {
	out := ct.counts
	for _, in := range ct.inGate {
		if in {
			out.CurrentInGate++
		}
	}
	for _, in := range ct.inAnchor {
		if in {
			out.CurrentInAnchor++
		}
	}
	return out
}

// Reset zeroes the cumulative totals. Tracks still on screen keep
// counting toward TotalDetected and live occupancy.
func (ct *CountTracker) Reset() {
	ct.counts = ObjectCounts{TotalDetected: int64(len(ct.seen))}
}

// QueueStats summarizes queue behavior for the snapshot.
type QueueStats struct {
	ActiveGuards    int     `json:"active_guards"`
	QueueLength     int     `json:"queue_length"`
	TotalProcessed  int64   `json:"total_processed"`
	TotalEscalated  int64   `json:"total_escalated"`
	AverageWaitSecs float64 `json:"average_wait_time"`
	WaitP50Secs     float64 `json:"wait_p50"`
	WaitP90Secs     float64 `json:"wait_p90"`
}

// ComputeQueueStats derives queue statistics from recorded wait
// samples. Quantiles are empirical; with no samples everything is zero.
func ComputeQueueStats(activeGuards, queueLength int, processed, escalated int64, waitSecs []float64) QueueStats {
	qs := QueueStats{
		ActiveGuards:   activeGuards,
		QueueLength:    queueLength,
		TotalProcessed: processed,
		TotalEscalated: escalated,
	}
	if len(waitSecs) == 0 {
		return qs
	}
	sorted := append([]float64(nil), waitSecs...)
	sort.Float64s(sorted)
	qs.AverageWaitSecs = stat.Mean(sorted, nil)
	qs.WaitP50Secs = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	qs.WaitP90Secs = stat.Quantile(0.9, stat.Empirical, sorted, nil)
	return qs
}
