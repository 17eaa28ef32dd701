package gate

import (
	"math"
	"time"
)

// COCO keypoint indices used by the contact predicates.
const (
	kpLeftShoulder  = 5
	kpRightShoulder = 6
	kpLeftWrist     = 9
	kpRightWrist    = 10
	kpLeftHip       = 11
	kpRightHip      = 12

	numKeypoints = 17

	// Keypoints below this visibility are treated as missing.
	keypointMinVisibility = 0.3

	poseHistorySize = 5
)

// PoseConfig holds thresholds for the pose-derived predicates.
type PoseConfig struct {
	HandToTorsoMargin float64       // fraction of guard height
	ReachVelocityMin  float64       // normalized units per second, toward the torso
	ReachMinDuration  time.Duration // sustained approach required
}

// DefaultPoseConfig returns the pose predicate thresholds.
func DefaultPoseConfig() PoseConfig {
	return PoseConfig{
		HandToTorsoMargin: 0.12,
		ReachVelocityMin:  0.6,
		ReachMinDuration:  250 * time.Millisecond,
	}
}

type poseSample struct {
	ts  time.Duration
	kps []Keypoint
}

// PoseAdapter holds recent keypoints per track and derives the
// hand-to-torso and reach predicates. The pose source is optional: with
// no observations both predicates are false and downstream logic relies
// on bbox contact alone.
type PoseAdapter struct {
	Config  PoseConfig
	history map[int64][]poseSample
}

// NewPoseAdapter creates an adapter with the given thresholds.
func NewPoseAdapter(config PoseConfig) *PoseAdapter {
	return &PoseAdapter{
		Config:  config,
		history: make(map[int64][]poseSample),
	}
}

// Observe records keypoints for a track at the given timestamp. Slices
// with the wrong cardinality are ignored.
func (pa *PoseAdapter) Observe(trackID int64, kps []Keypoint, ts time.Duration) {
	if len(kps) != numKeypoints {
		return
	}
	h := append(pa.history[trackID], poseSample{ts: ts, kps: kps})
	if len(h) > poseHistorySize {
		h = h[1:]
	}
	pa.history[trackID] = h
}

// Drop forgets pose history for tracks no longer active.
func (pa *PoseAdapter) Drop(trackID int64) {
	delete(pa.history, trackID)
}

// HasPose reports whether any keypoints are on record for the track.
func (pa *PoseAdapter) HasPose(trackID int64) bool {
	return len(pa.history[trackID]) > 0
}

func (pa *PoseAdapter) latest(trackID int64) []Keypoint {
	h := pa.history[trackID]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1].kps
}

// torsoBBox estimates the torso box from shoulders and hips. When those
// keypoints are unusable it falls back to the upper 10-60% band of the
// track bbox.
func torsoBBox(kps []Keypoint, bbox BBox) BBox {
	pts := make([]Point, 0, 4)
	for _, i := range []int{kpLeftShoulder, kpRightShoulder, kpLeftHip, kpRightHip} {
		if i < len(kps) && kps[i].Visibility >= keypointMinVisibility {
			pts = append(pts, Point{X: kps[i].X, Y: kps[i].Y})
		}
	}
	if len(pts) < 3 {
		h := bbox.Height()
		return BBox{X1: bbox.X1, Y1: bbox.Y1 + 0.1*h, X2: bbox.X2, Y2: bbox.Y1 + 0.6*h}
	}
	out := BBox{X1: pts[0].X, Y1: pts[0].Y, X2: pts[0].X, Y2: pts[0].Y}
	for _, p := range pts[1:] {
		out.X1 = math.Min(out.X1, p.X)
		out.Y1 = math.Min(out.Y1, p.Y)
		out.X2 = math.Max(out.X2, p.X)
		out.Y2 = math.Max(out.Y2, p.Y)
	}
	return out
}

// wrists returns the visible wrist points from a keypoint set.
func wrists(kps []Keypoint) []Point {
	var out []Point
	for _, i := range []int{kpLeftWrist, kpRightWrist} {
		if i < len(kps) && kps[i].Visibility >= keypointMinVisibility {
			out = append(out, Point{X: kps[i].X, Y: kps[i].Y})
		}
	}
	return out
}

// pointToBBoxDist is the distance from p to the closed box, 0 inside.
func pointToBBoxDist(p Point, b BBox) float64 {
	dx := math.Max(math.Max(b.X1-p.X, 0), p.X-b.X2)
	dy := math.Max(math.Max(b.Y1-p.Y, 0), p.Y-b.Y2)
	return math.Hypot(dx, dy)
}

// HandToTorso reports whether either visitor wrist is within
// margin*guardHeight of the guard's torso box.
func (pa *PoseAdapter) HandToTorso(visitorID, guardID int64, guardBBox BBox) bool {
	vk := pa.latest(visitorID)
	gk := pa.latest(guardID)
	if vk == nil || gk == nil {
		return false
	}
	torso := torsoBBox(gk, guardBBox)
	reach := pa.Config.HandToTorsoMargin * guardBBox.Height()
	for _, w := range wrists(vk) {
		if pointToBBoxDist(w, torso) <= reach {
			return true
		}
	}
	return false
}

// ReachGesture reports a sustained wrist approach toward the guard's
// torso centroid: radial velocity at or beyond the configured minimum,
// held over at least ReachMinDuration of recent pose history.
func (pa *PoseAdapter) ReachGesture(visitorID, guardID int64, guardBBox BBox) bool {
	h := pa.history[visitorID]
	gk := pa.latest(guardID)
	if len(h) < 2 || gk == nil {
		return false
	}
	target := torsoBBox(gk, guardBBox).Center()

	// Walk samples newest-to-oldest while each step keeps approaching.
	approaching := time.Duration(0)
	for i := len(h) - 1; i > 0; i-- {
		cur, prev := h[i], h[i-1]
		dt := cur.ts - prev.ts
		if dt <= 0 {
			break
		}
		if !stepApproaches(prev.kps, cur.kps, target, pa.Config.ReachVelocityMin, dt) {
			break
		}
		approaching += dt
		if approaching >= pa.Config.ReachMinDuration {
			return true
		}
	}
	return false
}

// stepApproaches reports whether either wrist closed on the target fast
// enough between two consecutive pose samples.
func stepApproaches(prevKps, curKps []Keypoint, target Point, minVel float64, dt time.Duration) bool {
	prevW := wrists(prevKps)
	curW := wrists(curKps)
	n := len(prevW)
	if len(curW) < n {
		n = len(curW)
	}
	for i := 0; i < n; i++ {
		dPrev := Euclidean(prevW[i], target)
		dCur := Euclidean(curW[i], target)
		vel := (dPrev - dCur) / dt.Seconds()
		if vel >= minVel {
			return true
		}
	}
	return false
}
