package gate

import "fmt"

// ZoneID names one of the two configured zones.
type ZoneID string

const (
	ZoneGateArea    ZoneID = "gate_area"
	ZoneGuardAnchor ZoneID = "guard_anchor"
)

// ZoneModel holds the gate-area and guard-anchor polygons and classifies
// track centers against them. Zones are configuration: they change only
// through a control command, never as a side effect of frames.
type ZoneModel struct {
	gateArea    []Point
	guardAnchor []Point
}

// ZoneMembership is the classification of a single center point.
type ZoneMembership struct {
	InGateArea    bool
	InGuardAnchor bool
}

// NewZoneModel builds a zone model from normalized polygons. Both
// polygons must be valid per ValidatePolygon.
func NewZoneModel(gateArea, guardAnchor []Point) (*ZoneModel, error) {
	if err := ValidatePolygon(gateArea); err != nil {
		return nil, fmt.Errorf("gate area polygon: %w", err)
	}
	if err := ValidatePolygon(guardAnchor); err != nil {
		return nil, fmt.Errorf("guard anchor polygon: %w", err)
	}
	zm := &ZoneModel{}
	zm.gateArea = append(zm.gateArea, gateArea...)
	zm.guardAnchor = append(zm.guardAnchor, guardAnchor...)
	return zm, nil
}

// ValidatePolygon rejects polygons with fewer than three vertices or any
// coordinate outside [0,1].
func ValidatePolygon(poly []Point) error {
	if len(poly) < 3 {
		return fmt.Errorf("need at least 3 vertices, got %d", len(poly))
	}
	for i, p := range poly {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			return fmt.Errorf("vertex %d (%.3f, %.3f) outside normalized range", i, p.X, p.Y)
		}
	}
	return nil
}

// Update replaces both polygons. On validation failure neither polygon
// changes and the previous zones remain active.
func (zm *ZoneModel) Update(gateArea, guardAnchor []Point) error {
	next, err := NewZoneModel(gateArea, guardAnchor)
	if err != nil {
		return err
	}
	zm.gateArea = next.gateArea
	zm.guardAnchor = next.guardAnchor
	return nil
}

// Classify returns the zone membership of a smoothed track center.
func (zm *ZoneModel) Classify(center Point) ZoneMembership {
	return ZoneMembership{
		InGateArea:    PointInPolygon(center, zm.gateArea),
		InGuardAnchor: PointInPolygon(center, zm.guardAnchor),
	}
}

// GateArea returns a copy of the gate-area polygon.
func (zm *ZoneModel) GateArea() []Point {
	return append([]Point(nil), zm.gateArea...)
}

// GuardAnchor returns a copy of the guard-anchor polygon.
func (zm *ZoneModel) GuardAnchor() []Point {
	return append([]Point(nil), zm.guardAnchor...)
}
