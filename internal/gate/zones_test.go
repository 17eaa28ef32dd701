package gate

import "testing"

func testZones(t *testing.T) *ZoneModel {
	t.Helper()
	gateArea := []Point{{0.2, 0.2}, {0.9, 0.2}, {0.9, 0.9}, {0.2, 0.9}}
	guardAnchor := []Point{{0.2, 0.2}, {0.4, 0.2}, {0.4, 0.5}, {0.2, 0.5}}
	zm, err := NewZoneModel(gateArea, guardAnchor)
	if err != nil {
		t.Fatalf("NewZoneModel: %v", err)
	}
	return zm
}

func TestZoneClassify(t *testing.T) {
	zm := testZones(t)

	tests := []struct {
		name     string
		pt       Point
		inGate   bool
		inAnchor bool
	}{
		{"outside both", Point{0.05, 0.05}, false, false},
		{"gate only", Point{0.7, 0.7}, true, false},
		{"anchor implies gate here", Point{0.3, 0.3}, true, true},
		{"gate boundary inside", Point{0.2, 0.5}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := zm.Classify(tt.pt)
			if m.InGateArea != tt.inGate || m.InGuardAnchor != tt.inAnchor {
				t.Errorf("Classify(%+v) = %+v, want gate=%v anchor=%v", tt.pt, m, tt.inGate, tt.inAnchor)
			}
		})
	}
}

func TestZoneUpdateRejectsInvalid(t *testing.T) {
	zm := testZones(t)
	before := zm.GateArea()

	err := zm.Update([]Point{{0, 0}, {1, 1}}, zm.GuardAnchor())
	if err == nil {
		t.Fatal("expected error for 2-vertex polygon")
	}
	after := zm.GateArea()
	if len(after) != len(before) {
		t.Error("failed update must leave zones untouched")
	}
	for i := range before {
		if before[i] != after[i] {
			t.Error("failed update mutated gate area")
		}
	}
}

func TestZoneUpdateRejectsOutOfRange(t *testing.T) {
	zm := testZones(t)
	err := zm.Update([]Point{{0, 0}, {1.2, 0}, {0.5, 1}}, zm.GuardAnchor())
	if err == nil {
		t.Fatal("expected error for coordinate outside [0,1]")
	}
}

func TestZoneUpdateAllOrNothing(t *testing.T) {
	zm := testZones(t)
	// valid gate area but broken anchor: neither may change
	goodGate := []Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	err := zm.Update(goodGate, []Point{{0, 0}, {0.5, 0.5}})
	if err == nil {
		t.Fatal("expected error")
	}
	if zm.Classify(Point{0.05, 0.05}).InGateArea {
		t.Error("gate area changed despite anchor validation failure")
	}
}

func TestZoneUpdateApplies(t *testing.T) {
	zm := testZones(t)
	full := []Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	if err := zm.Update(full, zm.GuardAnchor()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !zm.Classify(Point{0.05, 0.05}).InGateArea {
		t.Error("updated gate area should cover the whole frame")
	}
}

func TestZoneAccessorsCopy(t *testing.T) {
	zm := testZones(t)
	ga := zm.GateArea()
	ga[0] = Point{0.99, 0.99}
	if zm.GateArea()[0] == (Point{0.99, 0.99}) {
		t.Error("GateArea must return a copy")
	}
}
