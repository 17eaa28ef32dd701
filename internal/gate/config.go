package gate

// Config aggregates every tunable knob of the supervisor. Components
// receive their own section; DefaultConfig is the canonical baseline
// that file overrides and runtime commands modify.
type Config struct {
	Tracker TrackerConfig
	Group   GroupConfig
	Guard   GuardConfig
	FSM     FSMConfig
	Score   ScoreConfig
	Queue   QueueConfig
	Pose    PoseConfig

	// JitterWindow is the moving-window size for track center smoothing.
	JitterWindow int
	// MinHeightPx drops detections shorter than this many pixels.
	MinHeightPx float64
	// EventLogCapacity sizes the resident event ring.
	EventLogCapacity int
}

// DefaultConfig returns the full default knob set.
func DefaultConfig() Config {
	return Config{
		Tracker:          DefaultTrackerConfig(),
		Group:            DefaultGroupConfig(),
		Guard:            DefaultGuardConfig(),
		FSM:              DefaultFSMConfig(),
		Score:            DefaultScoreConfig(),
		Queue:            DefaultQueueConfig(),
		Pose:             DefaultPoseConfig(),
		JitterWindow:     5,
		MinHeightPx:      40,
		EventLogCapacity: EventLogCapacity,
	}
}
