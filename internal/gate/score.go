package gate

import "time"

// ScoreConfig holds the explainable score weights and thresholds.
type ScoreConfig struct {
	Base            float64
	ContactBonus    float64
	PoseBonus       float64
	PersistBonus    float64
	Threshold       float64
	CenterDistScale float64       // distance at which contact confidence reaches zero
	IoUMin          float64       // overlap scale for contact confidence
	PersistFull     time.Duration // session length for full persistence credit
}

// DefaultScoreConfig returns the score weights.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		Base:            0.6,
		ContactBonus:    0.2,
		PoseBonus:       0.15,
		PersistBonus:    0.05,
		Threshold:       0.9,
		CenterDistScale: 0.35,
		IoUMin:          0.02,
		PersistFull:     10 * time.Second,
	}
}

// ScoreBreakdown carries each semantic component separately so an audit
// can attribute the final score.
type ScoreBreakdown struct {
	Base        float64 `json:"base"`
	ContactConf float64 `json:"contact_confidence"`
	PoseConf    float64 `json:"pose_confidence"`
	Persistence float64 `json:"persistence"`
	Total       float64 `json:"total"`
}

// ScoreEngine computes the explainable examination score.
type ScoreEngine struct {
	Config ScoreConfig
}

// NewScoreEngine creates an engine with the given weights.
func NewScoreEngine(config ScoreConfig) *ScoreEngine {
	return &ScoreEngine{Config: config}
}

// Score computes the score for a person's current session state.
func (se *ScoreEngine) Score(ps *PersonState, now time.Duration) ScoreBreakdown {
	c := se.Config

	contactConf := 0.0
	if ps.InteractionTime > 0 {
		byDist := clamp01(1 - ps.MinCenterDistance/c.CenterDistScale)
		byIoU := clamp01(ps.MaxIoU / (3 * c.IoUMin))
		contactConf = byDist
		if byIoU > contactConf {
			contactConf = byIoU
		}
	}

	poseConf := clamp01(float64(ps.PoseReachCount) / 10)

	persistence := 0.0
	if ps.SessionActive {
		persistence = clamp01(float64(now-ps.SessionStart) / float64(c.PersistFull))
	}

	total := c.Base + c.ContactBonus*contactConf + c.PoseBonus*poseConf + c.PersistBonus*persistence
	return ScoreBreakdown{
		Base:        c.Base,
		ContactConf: contactConf,
		PoseConf:    poseConf,
		Persistence: persistence,
		Total:       clamp01(total),
	}
}

// MeetsThreshold applies criterion checks inclusively at the threshold.
func (se *ScoreEngine) MeetsThreshold(score float64) bool {
	return score >= se.Config.Threshold
}
