package gate

import (
	"sort"
	"time"
)

// Role is the classified role of a track.
type Role string

const (
	RoleUnknown Role = "unknown"
	RolePerson  Role = "person"
	RoleGuard   Role = "guard"
)

const (
	positionHistorySize = 30
	velocityHistorySize = 10
	velocityWindow      = 5
)

// TrackerConfig holds detection-to-track association parameters.
type TrackerConfig struct {
	HighConf     float64 // detections at or above this drive the first pass
	LowConf      float64 // floor for the recovery pass
	IoUThreshold float64 // gate for first-pass matches
	LowIoUGate   float64 // stricter gate for low-confidence matches
	MinHits      int     // hits required before a track is confirmed
	MaxAge       int     // frames unmatched before a track is deleted
}

// DefaultTrackerConfig returns tracking parameters tuned for people at a
// checkpoint camera.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		HighConf:     0.5,
		LowConf:      0.2,
		IoUThreshold: 0.3,
		LowIoUGate:   0.4,
		MinHits:      3,
		MaxAge:       30,
	}
}

// Track is one tracked person across frames. The Tracker owns all Track
// values; other components refer to tracks by ID only.
type Track struct {
	ID              int64
	BBox            BBox
	Center          Point // smoothed center, feeds zones and proximity
	RawCenter       Point
	Confidence      float64
	Class           int
	Role            Role
	Age             int // frames since creation
	Hits            int
	TimeSinceUpdate int
	FirstSeen       time.Duration
	LastSeen        time.Duration
	Confirmed       bool
	Deleted         bool

	positionHistory []Point
	velocityHistory []Point
	filter          *JitterFilter
}

// Velocity returns the average per-frame center delta over the most
// recent positions. Zero until at least two positions exist.
func (t *Track) Velocity() Point {
	n := len(t.positionHistory)
	if n < 2 {
		return Point{}
	}
	window := velocityWindow
	if n < window {
		window = n
	}
	recent := t.positionHistory[n-window:]
	var dx, dy float64
	for i := 1; i < len(recent); i++ {
		dx += recent[i].X - recent[i-1].X
		dy += recent[i].Y - recent[i-1].Y
	}
	steps := float64(len(recent) - 1)
	return Point{X: dx / steps, Y: dy / steps}
}

// PositionHistory returns a copy of the retained smoothed centers,
// oldest first.
func (t *Track) PositionHistory() []Point {
	out := make([]Point, len(t.positionHistory))
	copy(out, t.positionHistory)
	return out
}

// predictedBBox shifts the last box by the last velocity for association.
func (t *Track) predictedBBox() BBox {
	v := t.Velocity()
	return t.BBox.Shift(v.X, v.Y)
}

func (t *Track) observe(b BBox, conf float64, ts time.Duration) {
	t.BBox = b
	t.RawCenter = b.Center()
	t.Center = t.filter.Push(t.RawCenter)
	t.Confidence = conf
	t.Hits++
	t.TimeSinceUpdate = 0
	t.LastSeen = ts

	t.positionHistory = append(t.positionHistory, t.Center)
	if len(t.positionHistory) > positionHistorySize {
		t.positionHistory = t.positionHistory[1:]
	}
	t.velocityHistory = append(t.velocityHistory, t.Velocity())
	if len(t.velocityHistory) > velocityHistorySize {
		t.velocityHistory = t.velocityHistory[1:]
	}
}

// Tracker assigns stable IDs to per-frame detections using two
// association passes: confident detections against all tracks first,
// then weak detections against whatever is still unmatched.
type Tracker struct {
	Config TrackerConfig

	tracks map[int64]*Track
	nextID int64

	jitterWindow int
}

// NewTracker creates a tracker with the given association config and
// smoothing window for track centers.
func NewTracker(config TrackerConfig, jitterWindow int) *Tracker {
	return &Tracker{
		Config:       config,
		tracks:       make(map[int64]*Track),
		nextID:       1,
		jitterWindow: jitterWindow,
	}
}

type candidate struct {
	trackID    int64
	detIdx     int
	cost       float64
	centerDist float64
	iou        float64
}

// Update advances the tracker by one frame and returns the confirmed
// tracks, ordered by ID. Detections must already be normalized.
func (tr *Tracker) Update(dets []Detection, frameW, frameH int, ts time.Duration) []*Track {
	// Step 1: age every track.
	for _, t := range tr.tracks {
		t.Age++
		t.TimeSinceUpdate++
	}

	var high, low []int
	for i, d := range dets {
		switch {
		case d.Confidence >= tr.Config.HighConf:
			high = append(high, i)
		case d.Confidence >= tr.Config.LowConf:
			low = append(low, i)
		}
	}

	matchedTracks := make(map[int64]bool)
	matchedDets := make(map[int]bool)

	// Step 2: confident pass over all live tracks.
	tr.associate(dets, high, frameW, frameH, tr.Config.IoUThreshold, matchedTracks, matchedDets, ts)

	// Step 3: recovery pass for still-unmatched tracks against weak
	// detections, with a stricter overlap gate so noise does not
	// resurrect the wrong track.
	tr.associate(dets, low, frameW, frameH, tr.Config.LowIoUGate, matchedTracks, matchedDets, ts)

	// Step 4: unmatched confident detections become new tracks.
	for _, i := range high {
		if !matchedDets[i] {
			tr.initTrack(dets[i], frameW, frameH, ts)
		}
	}

	// Step 5: lifecycle transitions.
	for id, t := range tr.tracks {
		if t.Hits >= tr.Config.MinHits && !t.Confirmed {
			t.Confirmed = true
			diagf("track %d confirmed after %d hits", id, t.Hits)
		}
		if t.TimeSinceUpdate > tr.Config.MaxAge {
			t.Deleted = true
			delete(tr.tracks, id)
			tracef("track %d deleted (unmatched for %d frames)", id, t.TimeSinceUpdate)
		}
	}

	return tr.ConfirmedTracks()
}

// associate greedily matches unmatched tracks to the given detection
// indices in ascending cost order. Ties resolve by smaller center
// distance, then lower track ID.
func (tr *Tracker) associate(dets []Detection, idxs []int, frameW, frameH int, iouGate float64, matchedTracks map[int64]bool, matchedDets map[int]bool, ts time.Duration) {
	var cands []candidate
	for id, t := range tr.tracks {
		if matchedTracks[id] {
			continue
		}
		pred := t.predictedBBox()
		for _, i := range idxs {
			if matchedDets[i] {
				continue
			}
			db := dets[i].Normalize(frameW, frameH)
			overlap := IoU(pred, db)
			if overlap < iouGate {
				continue
			}
			dist := Euclidean(pred.Center(), db.Center())
			cands = append(cands, candidate{
				trackID:    id,
				detIdx:     i,
				cost:       (1 - overlap) + 0.1*dist,
				centerDist: dist,
				iou:        overlap,
			})
		}
	}

	sort.Slice(cands, func(a, b int) bool {
		if cands[a].cost != cands[b].cost {
			return cands[a].cost < cands[b].cost
		}
		if cands[a].centerDist != cands[b].centerDist {
			return cands[a].centerDist < cands[b].centerDist
		}
		if cands[a].trackID != cands[b].trackID {
			return cands[a].trackID < cands[b].trackID
		}
		return cands[a].detIdx < cands[b].detIdx
	})

	for _, c := range cands {
		if matchedTracks[c.trackID] || matchedDets[c.detIdx] {
			continue
		}
		matchedTracks[c.trackID] = true
		matchedDets[c.detIdx] = true
		d := dets[c.detIdx]
		tr.tracks[c.trackID].observe(d.Normalize(frameW, frameH), d.Confidence, ts)
	}
}

func (tr *Tracker) initTrack(d Detection, frameW, frameH int, ts time.Duration) *Track {
	b := d.Normalize(frameW, frameH)
	t := &Track{
		ID:         tr.nextID,
		BBox:       b,
		RawCenter:  b.Center(),
		Confidence: d.Confidence,
		Class:      d.ClassID,
		Role:       RoleUnknown,
		Hits:       1,
		FirstSeen:  ts,
		LastSeen:   ts,
		filter:     NewJitterFilter(tr.jitterWindow),
	}
	t.Center = t.filter.Push(t.RawCenter)
	t.positionHistory = append(t.positionHistory, t.Center)
	tr.nextID++
	tr.tracks[t.ID] = t
	return t
}

// ConfirmedTracks returns the live confirmed tracks ordered by ID.
func (tr *Tracker) ConfirmedTracks() []*Track {
	out := make([]*Track, 0, len(tr.tracks))
	for _, t := range tr.tracks {
		if t.Confirmed && !t.Deleted {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the live track with the given ID, or nil.
func (tr *Tracker) Get(id int64) *Track {
	return tr.tracks[id]
}

// Len returns the number of live tracks (confirmed or tentative).
func (tr *Tracker) Len() int {
	return len(tr.tracks)
}
