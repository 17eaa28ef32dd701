package gate

import (
	"math"
	"testing"
	"time"
)

func TestScoreBaseOnly(t *testing.T) {
	se := NewScoreEngine(DefaultScoreConfig())
	ps := &PersonState{TrackID: 1, MinCenterDistance: math.Inf(1)}
	b := se.Score(ps, 0)
	if b.Total != 0.6 {
		t.Errorf("Total = %f, want base 0.6", b.Total)
	}
	if b.ContactConf != 0 || b.PoseConf != 0 || b.Persistence != 0 {
		t.Errorf("components should be zero, got %+v", b)
	}
}

func TestScoreContactGatedOnInteraction(t *testing.T) {
	se := NewScoreEngine(DefaultScoreConfig())
	// close approach on record, but no interaction time accrued
	ps := &PersonState{TrackID: 1, MinCenterDistance: 0.05, MaxIoU: 0.1}
	b := se.Score(ps, 0)
	if b.ContactConf != 0 {
		t.Errorf("contact confidence must be gated on interaction time, got %f", b.ContactConf)
	}

	ps.InteractionTime = time.Second
	b = se.Score(ps, 0)
	if b.ContactConf == 0 {
		t.Error("contact confidence should apply once interaction accrued")
	}
}

func TestScoreContactConfidenceMax(t *testing.T) {
	se := NewScoreEngine(DefaultScoreConfig())
	// distance weak (0.3 of 0.35 scale -> ~0.14) but IoU strong
	ps := &PersonState{
		TrackID:           1,
		InteractionTime:   time.Second,
		MinCenterDistance: 0.3,
		MaxIoU:            0.06, // 0.06 / (3*0.02) = 1.0
	}
	b := se.Score(ps, 0)
	if b.ContactConf != 1.0 {
		t.Errorf("ContactConf = %f, want 1.0 via IoU branch", b.ContactConf)
	}
}

func TestScorePoseSaturation(t *testing.T) {
	se := NewScoreEngine(DefaultScoreConfig())
	ps := &PersonState{TrackID: 1, MinCenterDistance: math.Inf(1), PoseReachCount: 5}
	if b := se.Score(ps, 0); math.Abs(b.PoseConf-0.5) > 1e-12 {
		t.Errorf("PoseConf = %f, want 0.5 at 5 reaches", b.PoseConf)
	}
	ps.PoseReachCount = 25
	if b := se.Score(ps, 0); b.PoseConf != 1.0 {
		t.Errorf("PoseConf = %f, want saturation at 1.0", b.PoseConf)
	}
}

func TestScorePersistence(t *testing.T) {
	se := NewScoreEngine(DefaultScoreConfig())
	ps := &PersonState{
		TrackID:           1,
		MinCenterDistance: math.Inf(1),
		SessionActive:     true,
		SessionStart:      0,
	}
	b := se.Score(ps, 5*time.Second)
	if math.Abs(b.Persistence-0.5) > 1e-12 {
		t.Errorf("Persistence = %f, want 0.5 at half PersistFull", b.Persistence)
	}
	b = se.Score(ps, 30*time.Second)
	if b.Persistence != 1.0 {
		t.Errorf("Persistence = %f, want cap at 1.0", b.Persistence)
	}
}

func TestScoreFullHouse(t *testing.T) {
	se := NewScoreEngine(DefaultScoreConfig())
	ps := &PersonState{
		TrackID:           1,
		InteractionTime:   2 * time.Second,
		MinCenterDistance: 0,
		MaxIoU:            0.2,
		PoseReachCount:    10,
		SessionActive:     true,
		SessionStart:      0,
	}
	b := se.Score(ps, 10*time.Second)
	want := 0.6 + 0.2 + 0.15 + 0.05
	if math.Abs(b.Total-want) > 1e-9 {
		t.Errorf("Total = %f, want %f", b.Total, want)
	}
	if !se.MeetsThreshold(b.Total) {
		t.Error("full-house score must meet the threshold")
	}
}

func TestMeetsThresholdInclusive(t *testing.T) {
	se := NewScoreEngine(DefaultScoreConfig())
	if !se.MeetsThreshold(0.9) {
		t.Error("threshold comparison must be inclusive")
	}
	if se.MeetsThreshold(0.8999999) {
		t.Error("below-threshold score must not pass")
	}
}
