package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sentryline/gatewatch/internal/gate"
)

// TuningConfig represents the root configuration for tuning parameters.
// All fields are pointers so partial configs are safe: anything omitted
// from the JSON file keeps its default from gate.DefaultConfig.
type TuningConfig struct {
	// Tracking params
	HighConf     *float64 `json:"high_conf,omitempty"`
	LowConf      *float64 `json:"low_conf,omitempty"`
	IoUThreshold *float64 `json:"iou_threshold,omitempty"`
	MinHits      *int     `json:"min_hits,omitempty"`
	MaxAge       *int     `json:"max_age,omitempty"`

	// Group params
	TGroup *string  `json:"t_group,omitempty"` // duration string like "2s"
	DMax   *float64 `json:"d_max,omitempty"`
	TLock  *string  `json:"t_lock,omitempty"`
	TBreak *string  `json:"t_break,omitempty"`
	IoUMin *float64 `json:"iou_min,omitempty"`

	// Guard params
	GuardReady  *string `json:"guard_ready,omitempty"`
	TVacate     *string `json:"t_vacate,omitempty"`
	TRejoin     *string `json:"t_rejoin,omitempty"`
	AnchorLogic *string `json:"anchor_logic,omitempty"`

	// Queue params
	PresenceToCheck    *string `json:"presence_to_check,omitempty"`
	ProximityMin       *string `json:"proximity_min,omitempty"`
	CheckMinIndividual *string `json:"check_min_individual,omitempty"`
	CheckMinBatch      *string `json:"check_min_batch,omitempty"`
	TWarn              *string `json:"t_warn,omitempty"`
	TMaxWait           *string `json:"t_max_wait,omitempty"`
	ExaminationMode    *string `json:"examination_mode,omitempty"`

	// Pose params
	HandToTorsoMargin   *float64 `json:"hand_to_torso_margin,omitempty"`
	ReachVelocityThresh *float64 `json:"reach_velocity_thresh,omitempty"`
	ReachMinDuration    *string  `json:"reach_min_duration,omitempty"`

	// Score params
	ScoreBase      *float64 `json:"score_base,omitempty"`
	ContactBonus   *float64 `json:"contact_bonus,omitempty"`
	PoseBonus      *float64 `json:"pose_bonus,omitempty"`
	PersistBonus   *float64 `json:"persist_bonus,omitempty"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`

	// Session params
	MinConsensus     *int     `json:"min_consensus,omitempty"`
	JitterWindow     *int     `json:"jitter_window,omitempty"`
	SessionTimeout   *string  `json:"session_timeout,omitempty"`
	Cooldown         *string  `json:"check_completed_cooldown,omitempty"`
	InteractionMin   *string  `json:"interaction_min,omitempty"`
	ContactDistScale *float64 `json:"contact_dist_scale,omitempty"`
	MinHeightPx      *float64 `json:"min_height_px,omitempty"`

	// Zones, normalized [0,1] coordinates
	GateAreaPolygon    []gate.Point `json:"gate_area_polygon,omitempty"`
	GuardAnchorPolygon []gate.Point `json:"guard_anchor_polygon,omitempty"`
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under
// the max file size. Fields omitted from the JSON file retain their
// default values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	fractions := []struct {
		name string
		v    *float64
	}{
		{"high_conf", c.HighConf},
		{"low_conf", c.LowConf},
		{"iou_threshold", c.IoUThreshold},
		{"iou_min", c.IoUMin},
		{"score_threshold", c.ScoreThreshold},
	}
	for _, f := range fractions {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"t_group", c.TGroup},
		{"t_lock", c.TLock},
		{"t_break", c.TBreak},
		{"guard_ready", c.GuardReady},
		{"t_vacate", c.TVacate},
		{"t_rejoin", c.TRejoin},
		{"presence_to_check", c.PresenceToCheck},
		{"proximity_min", c.ProximityMin},
		{"check_min_individual", c.CheckMinIndividual},
		{"check_min_batch", c.CheckMinBatch},
		{"t_warn", c.TWarn},
		{"t_max_wait", c.TMaxWait},
		{"reach_min_duration", c.ReachMinDuration},
		{"session_timeout", c.SessionTimeout},
		{"check_completed_cooldown", c.Cooldown},
		{"interaction_min", c.InteractionMin},
	}
	for _, d := range durations {
		if d.v != nil && *d.v != "" {
			if _, err := time.ParseDuration(*d.v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
			}
		}
	}

	if c.MinHits != nil && *c.MinHits < 1 {
		return fmt.Errorf("min_hits must be at least 1, got %d", *c.MinHits)
	}
	if c.MinConsensus != nil && *c.MinConsensus < 1 {
		return fmt.Errorf("min_consensus must be at least 1, got %d", *c.MinConsensus)
	}

	if c.AnchorLogic != nil {
		switch gate.AnchorLogic(*c.AnchorLogic) {
		case gate.AnchorStrict, gate.AnchorEither, gate.AnchorNone:
		default:
			return fmt.Errorf("unknown anchor_logic %q", *c.AnchorLogic)
		}
	}
	if c.ExaminationMode != nil {
		switch gate.ExamMode(*c.ExaminationMode) {
		case gate.ExamBatch, gate.ExamSequential:
		default:
			return fmt.Errorf("unknown examination_mode %q", *c.ExaminationMode)
		}
	}

	if len(c.GateAreaPolygon) > 0 {
		if err := gate.ValidatePolygon(c.GateAreaPolygon); err != nil {
			return fmt.Errorf("gate_area_polygon: %w", err)
		}
	}
	if len(c.GuardAnchorPolygon) > 0 {
		if err := gate.ValidatePolygon(c.GuardAnchorPolygon); err != nil {
			return fmt.Errorf("guard_anchor_polygon: %w", err)
		}
	}
	return nil
}

// Apply overlays the set fields onto a gate.Config. Fields left nil in
// the tuning file leave the target untouched.
func (c *TuningConfig) Apply(cfg *gate.Config) {
	setFloat(&cfg.Tracker.HighConf, c.HighConf)
	setFloat(&cfg.Tracker.LowConf, c.LowConf)
	setFloat(&cfg.Tracker.IoUThreshold, c.IoUThreshold)
	setInt(&cfg.Tracker.MinHits, c.MinHits)
	setInt(&cfg.Tracker.MaxAge, c.MaxAge)

	setDur(&cfg.Group.TGroup, c.TGroup)
	setFloat(&cfg.Group.DMax, c.DMax)
	setDur(&cfg.Group.TLock, c.TLock)
	setDur(&cfg.Group.TBreak, c.TBreak)
	setFloat(&cfg.Group.IoUMin, c.IoUMin)

	setDur(&cfg.Guard.GuardReady, c.GuardReady)
	setDur(&cfg.Guard.TVacate, c.TVacate)
	setDur(&cfg.Guard.TRejoin, c.TRejoin)
	if c.AnchorLogic != nil {
		cfg.Guard.AnchorLogic = gate.AnchorLogic(*c.AnchorLogic)
	}

	setDur(&cfg.FSM.PresenceToCheck, c.PresenceToCheck)
	setInt(&cfg.FSM.MinConsensus, c.MinConsensus)
	setDur(&cfg.FSM.SessionTimeout, c.SessionTimeout)
	setDur(&cfg.FSM.Cooldown, c.Cooldown)
	// GUARD_READY is one knob with two consumers: guard qualification
	// and the completion criterion.
	setDur(&cfg.FSM.GuardReady, c.GuardReady)
	setDur(&cfg.FSM.InteractionMin, c.InteractionMin)
	setFloat(&cfg.FSM.ContactDistScale, c.ContactDistScale)

	// The queue shares the group proximity radius.
	setFloat(&cfg.Queue.DMax, c.DMax)
	setDur(&cfg.Queue.ProximityMin, c.ProximityMin)
	setDur(&cfg.Queue.CheckMinIndividual, c.CheckMinIndividual)
	setDur(&cfg.Queue.CheckMinBatch, c.CheckMinBatch)
	setDur(&cfg.Queue.TWarn, c.TWarn)
	setDur(&cfg.Queue.TMaxWait, c.TMaxWait)
	if c.ExaminationMode != nil {
		cfg.Queue.ExamMode = gate.ExamMode(*c.ExaminationMode)
	}

	setFloat(&cfg.Pose.HandToTorsoMargin, c.HandToTorsoMargin)
	setFloat(&cfg.Pose.ReachVelocityMin, c.ReachVelocityThresh)
	setDur(&cfg.Pose.ReachMinDuration, c.ReachMinDuration)

	setFloat(&cfg.Score.Base, c.ScoreBase)
	setFloat(&cfg.Score.ContactBonus, c.ContactBonus)
	setFloat(&cfg.Score.PoseBonus, c.PoseBonus)
	setFloat(&cfg.Score.PersistBonus, c.PersistBonus)
	setFloat(&cfg.Score.Threshold, c.ScoreThreshold)
	setFloat(&cfg.Score.IoUMin, c.IoUMin)

	setInt(&cfg.JitterWindow, c.JitterWindow)
	setFloat(&cfg.MinHeightPx, c.MinHeightPx)
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDur(dst *time.Duration, src *string) {
	if src == nil || *src == "" {
		return
	}
	// Validate rejects unparseable durations before Apply runs.
	if d, err := time.ParseDuration(*src); err == nil {
		*dst = d
	}
}
