package gate

import (
	"sort"
	"time"
)

// GroupConfig holds group formation and break-up thresholds.
type GroupConfig struct {
	TGroup time.Duration // max first-seen spread among members
	DMax   float64       // pairwise center distance for co-location
	TLock  time.Duration // age at which a group becomes stable
	TBreak time.Duration // sustained over-spread before a split
	IoUMin float64       // pairwise overlap alternative to distance
}

// DefaultGroupConfig returns group thresholds for checkpoint scenes.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		TGroup: 2 * time.Second,
		DMax:   0.15,
		TLock:  1 * time.Second,
		TBreak: 2 * time.Second,
		IoUMin: 0.02,
	}
}

// Group is a set of co-present, co-located visitors examined together.
type Group struct {
	ID          int64
	Members     []int64 // sorted track IDs
	FormedAt    time.Duration
	LastUpdated time.Duration
	Centroid    Point
	Stable      bool

	// overSpreadSince is set while the pairwise spread exceeds the
	// break threshold; zero Duration means within bounds.
	overSpreadSince time.Duration
	overSpread      bool
}

// HasMember reports whether the track belongs to the group.
func (g *Group) HasMember(trackID int64) bool {
	for _, m := range g.Members {
		if m == trackID {
			return true
		}
	}
	return false
}

// SplitGroup records a dissolved group and its former members.
type SplitGroup struct {
	GroupID int64
	Members []int64
}

// GroupChanges is the per-frame outcome of the detector: groups that
// materialized this frame and groups that split.
type GroupChanges struct {
	Formed []*Group
	Split  []SplitGroup
}

// GroupDetector forms and breaks groups of visitors each frame. Only
// person-role tracks inside the gate area participate.
type GroupDetector struct {
	Config GroupConfig

	groups  map[int64]*Group
	byTrack map[int64]int64 // track ID -> group ID
	nextID  int64
}

// NewGroupDetector creates a detector with the given thresholds.
func NewGroupDetector(config GroupConfig) *GroupDetector {
	return &GroupDetector{
		Config:  config,
		groups:  make(map[int64]*Group),
		byTrack: make(map[int64]int64),
		nextID:  1,
	}
}

// GroupOf returns the group containing the track, or nil.
func (gd *GroupDetector) GroupOf(trackID int64) *Group {
	if gid, ok := gd.byTrack[trackID]; ok {
		return gd.groups[gid]
	}
	return nil
}

// Groups returns the live groups ordered by ID.
func (gd *GroupDetector) Groups() []*Group {
	out := make([]*Group, 0, len(gd.groups))
	for _, g := range gd.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update advances all groups by one frame. persons must be the confirmed
// person-role tracks currently inside the gate area, any order.
func (gd *GroupDetector) Update(persons []*Track, now time.Duration) GroupChanges {
	byID := make(map[int64]*Track, len(persons))
	for _, p := range persons {
		byID[p.ID] = p
	}

	var changes GroupChanges

	// Pass 1: refresh existing groups against the current frame.
	// Collect splits first and apply after the scan.
	var splitIDs []int64
	for _, g := range gd.sortedGroups() {
		active := g.Members[:0:0]
		for _, m := range g.Members {
			if _, ok := byID[m]; ok {
				active = append(active, m)
			}
		}
		if len(active) < len(g.Members) {
			g.LastUpdated = now
		}
		if len(active) < 2 {
			splitIDs = append(splitIDs, g.ID)
			continue
		}
		former := g.Members
		g.Members = active
		for _, m := range former {
			if !g.HasMember(m) {
				delete(gd.byTrack, m)
			}
		}
		g.Centroid = centroidOf(active, byID)
		if !g.Stable && now-g.FormedAt >= gd.Config.TLock {
			g.Stable = true
		}

		if maxPairwiseSpread(active, byID) > 1.5*gd.Config.DMax {
			if !g.overSpread {
				g.overSpread = true
				g.overSpreadSince = now
			} else if now-g.overSpreadSince >= gd.Config.TBreak {
				splitIDs = append(splitIDs, g.ID)
			}
		} else {
			g.overSpread = false
		}
	}
	for _, gid := range splitIDs {
		g := gd.groups[gid]
		changes.Split = append(changes.Split, SplitGroup{
			GroupID: gid,
			Members: append([]int64(nil), g.Members...),
		})
		for _, m := range g.Members {
			delete(gd.byTrack, m)
		}
		delete(gd.groups, gid)
		diagf("group %d split, %d former members", gid, len(g.Members))
	}

	// Pass 2: form new groups from persons not already grouped.
	changes.Formed = gd.form(persons, byID, now)
	return changes
}

// form seeds candidate groups from ungrouped persons in ID order, then
// lets each remaining person join the nearest eligible candidate.
func (gd *GroupDetector) form(persons []*Track, byID map[int64]*Track, now time.Duration) []*Group {
	free := make([]*Track, 0, len(persons))
	for _, p := range persons {
		if _, grouped := gd.byTrack[p.ID]; !grouped {
			free = append(free, p)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })

	type forming struct {
		seed    *Track
		members []int64
	}
	var cands []*forming
	assigned := make(map[int64]*forming)

	for _, p := range free {
		if assigned[p.ID] != nil {
			continue
		}
		// Does p fit an already-forming candidate? Among eligible
		// candidates pick the one with the nearest centroid; earlier
		// candidates win ties because iteration order is creation order.
		var best *forming
		bestDist := 0.0
		for _, c := range cands {
			if !gd.pairEligible(c.seed, p) {
				continue
			}
			d := Euclidean(centroidOf(c.members, byID), p.Center)
			if best == nil || d < bestDist {
				best = c
				bestDist = d
			}
		}
		if best != nil {
			best.members = append(best.members, p.ID)
			assigned[p.ID] = best
			continue
		}
		c := &forming{seed: p, members: []int64{p.ID}}
		cands = append(cands, c)
		assigned[p.ID] = c
	}

	var formed []*Group
	for _, c := range cands {
		if len(c.members) < 2 {
			continue
		}
		sort.Slice(c.members, func(i, j int) bool { return c.members[i] < c.members[j] })
		g := &Group{
			ID:          gd.nextID,
			Members:     c.members,
			FormedAt:    now,
			LastUpdated: now,
			Centroid:    centroidOf(c.members, byID),
		}
		gd.nextID++
		gd.groups[g.ID] = g
		for _, m := range g.Members {
			gd.byTrack[m] = g.ID
		}
		formed = append(formed, g)
		diagf("group %d formed with members %v", g.ID, g.Members)
	}
	return formed
}

// pairEligible applies the pairwise formation criterion.
func (gd *GroupDetector) pairEligible(a, b *Track) bool {
	dt := a.FirstSeen - b.FirstSeen
	if dt < 0 {
		dt = -dt
	}
	if dt > gd.Config.TGroup {
		return false
	}
	if Euclidean(a.Center, b.Center) <= gd.Config.DMax {
		return true
	}
	return IoU(a.BBox, b.BBox) >= gd.Config.IoUMin
}

func (gd *GroupDetector) sortedGroups() []*Group {
	return gd.Groups()
}

func centroidOf(members []int64, byID map[int64]*Track) Point {
	var sx, sy float64
	n := 0
	for _, m := range members {
		if t, ok := byID[m]; ok {
			sx += t.Center.X
			sy += t.Center.Y
			n++
		}
	}
	if n == 0 {
		return Point{}
	}
	return Point{X: sx / float64(n), Y: sy / float64(n)}
}

func maxPairwiseSpread(members []int64, byID map[int64]*Track) float64 {
	max := 0.0
	for i := 0; i < len(members); i++ {
		a, ok := byID[members[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(members); j++ {
			b, ok := byID[members[j]]
			if !ok {
				continue
			}
			if d := Euclidean(a.Center, b.Center); d > max {
				max = d
			}
		}
	}
	return max
}
