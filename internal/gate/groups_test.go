package gate

import (
	"testing"
	"time"
)

func personTrack(id int64, x, y float64, firstSeen time.Duration) *Track {
	half := 0.05
	return &Track{
		ID:        id,
		Role:      RolePerson,
		BBox:      BBox{X1: x - half, Y1: y - 0.15, X2: x + half, Y2: y + 0.15},
		Center:    Point{X: x, Y: y},
		FirstSeen: firstSeen,
		Confirmed: true,
	}
}

func TestGroupFormsFromCoArrival(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.50, 0.5, 0)
	b := personTrack(2, 0.60, 0.5, 500*time.Millisecond)

	ch := gd.Update([]*Track{a, b}, time.Second)
	if len(ch.Formed) != 1 {
		t.Fatalf("formed %d groups, want 1", len(ch.Formed))
	}
	g := ch.Formed[0]
	if len(g.Members) != 2 || g.Members[0] != 1 || g.Members[1] != 2 {
		t.Errorf("members = %v, want [1 2]", g.Members)
	}
	if g.Stable {
		t.Error("group must not be stable at formation")
	}
}

func TestGroupNotFormedWhenArrivalSpreadTooLarge(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.50, 0.5, 0)
	b := personTrack(2, 0.55, 0.5, 3*time.Second) // beyond TGroup

	ch := gd.Update([]*Track{a, b}, 4*time.Second)
	if len(ch.Formed) != 0 {
		t.Errorf("formed %d groups, want 0 for late arrival", len(ch.Formed))
	}
}

func TestGroupNotFormedWhenTooFarApart(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.20, 0.5, 0)
	b := personTrack(2, 0.80, 0.5, 0)

	ch := gd.Update([]*Track{a, b}, time.Second)
	if len(ch.Formed) != 0 {
		t.Errorf("formed %d groups, want 0 for distant pair", len(ch.Formed))
	}
}

func TestGroupFormsViaOverlapDespiteDistance(t *testing.T) {
	cfg := DefaultGroupConfig()
	cfg.DMax = 0.01 // distance criterion cannot fire
	gd := NewGroupDetector(cfg)
	// wide overlapping boxes, centers 0.08 apart
	a := &Track{ID: 1, Role: RolePerson, Center: Point{0.46, 0.5},
		BBox: BBox{X1: 0.36, Y1: 0.3, X2: 0.56, Y2: 0.7}, FirstSeen: 0, Confirmed: true}
	b := &Track{ID: 2, Role: RolePerson, Center: Point{0.54, 0.5},
		BBox: BBox{X1: 0.44, Y1: 0.3, X2: 0.64, Y2: 0.7}, FirstSeen: 0, Confirmed: true}

	ch := gd.Update([]*Track{a, b}, time.Second)
	if len(ch.Formed) != 1 {
		t.Fatalf("overlap criterion should form a group, formed %d", len(ch.Formed))
	}
}

func TestGroupStableAfterTLock(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.50, 0.5, 0)
	b := personTrack(2, 0.58, 0.5, 0)

	gd.Update([]*Track{a, b}, time.Second)
	gd.Update([]*Track{a, b}, 1500*time.Millisecond)
	g := gd.GroupOf(1)
	if g == nil {
		t.Fatal("group missing")
	}
	if g.Stable {
		t.Error("stable before TLock elapsed")
	}
	gd.Update([]*Track{a, b}, 2100*time.Millisecond)
	if !gd.GroupOf(1).Stable {
		t.Error("group should be stable after TLock")
	}
}

func TestGroupSplitsOnSustainedSpread(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.50, 0.5, 0)
	b := personTrack(2, 0.58, 0.5, 0)
	gd.Update([]*Track{a, b}, 0)

	// members drift apart beyond 1.5*DMax = 0.225
	b.Center = Point{X: 0.80, Y: 0.5}
	gd.Update([]*Track{a, b}, time.Second)
	if gd.GroupOf(1) == nil {
		t.Fatal("group must survive until TBreak elapses")
	}
	ch := gd.Update([]*Track{a, b}, 2500*time.Millisecond)
	if gd.GroupOf(1) == nil {
		// still under TBreak (spread started at 1s, break at 3s)
		ch = gd.Update([]*Track{a, b}, 3100*time.Millisecond)
	}
	if len(ch.Split) != 1 {
		t.Fatalf("expected a split, got %+v", ch)
	}
	if gd.GroupOf(1) != nil || gd.GroupOf(2) != nil {
		t.Error("split members must be ungrouped")
	}
}

func TestGroupSpreadRecoveryCancelsBreak(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.50, 0.5, 0)
	b := personTrack(2, 0.58, 0.5, 0)
	gd.Update([]*Track{a, b}, 0)

	b.Center = Point{X: 0.80, Y: 0.5}
	gd.Update([]*Track{a, b}, time.Second)
	// back together before TBreak
	b.Center = Point{X: 0.58, Y: 0.5}
	gd.Update([]*Track{a, b}, 2*time.Second)
	// far again; the break timer must restart
	b.Center = Point{X: 0.80, Y: 0.5}
	ch := gd.Update([]*Track{a, b}, 3*time.Second)
	if len(ch.Split) != 0 {
		t.Fatal("split fired without sustained over-spread")
	}
	ch = gd.Update([]*Track{a, b}, 5100*time.Millisecond)
	if len(ch.Split) != 1 {
		t.Error("split should fire after the restarted TBreak window")
	}
}

func TestGroupDissolvesWhenMemberVanishes(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.50, 0.5, 0)
	b := personTrack(2, 0.58, 0.5, 0)
	gd.Update([]*Track{a, b}, 0)

	ch := gd.Update([]*Track{a}, time.Second)
	if len(ch.Split) != 1 {
		t.Fatalf("group of two must split when one member vanishes, got %+v", ch)
	}
	if gd.GroupOf(1) != nil {
		t.Error("remaining member must be ungrouped")
	}
}

func TestGroupOfThreeSurvivesOneLoss(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.50, 0.5, 0)
	b := personTrack(2, 0.56, 0.5, 0)
	c := personTrack(3, 0.53, 0.56, 0)
	ch := gd.Update([]*Track{a, b, c}, 0)
	if len(ch.Formed) != 1 || len(ch.Formed[0].Members) != 3 {
		t.Fatalf("expected one group of three, got %+v", ch.Formed)
	}

	ch = gd.Update([]*Track{a, b}, time.Second)
	if len(ch.Split) != 0 {
		t.Fatal("group of three should shrink, not split")
	}
	g := gd.GroupOf(1)
	if g == nil || len(g.Members) != 2 {
		t.Fatalf("group should have 2 members, got %+v", g)
	}
	if gd.GroupOf(3) != nil {
		t.Error("departed member must be ungrouped")
	}
}

func TestGroupsSortedByID(t *testing.T) {
	gd := NewGroupDetector(DefaultGroupConfig())
	a := personTrack(1, 0.20, 0.2, 0)
	b := personTrack(2, 0.26, 0.2, 0)
	c := personTrack(3, 0.70, 0.8, 0)
	d := personTrack(4, 0.76, 0.8, 0)
	gd.Update([]*Track{a, b, c, d}, 0)

	groups := gd.Groups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].ID >= groups[1].ID {
		t.Error("Groups() must be sorted by ID")
	}
}
