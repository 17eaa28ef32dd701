package source

import (
	"sync"

	"github.com/sentryline/gatewatch/internal/monitoring"
)

// StatsInterface tracks datagram statistics for a frame stream.
type StatsInterface interface {
	AddFrame(bytes int, detections int)
	AddDropped()
	AddInvalid()
	LogStats()
}

// noopStats is the safe default when no collector is supplied.
type noopStats struct{}

func (n *noopStats) AddFrame(bytes int, detections int) {}
func (n *noopStats) AddDropped()                        {}
func (n *noopStats) AddInvalid()                        {}
func (n *noopStats) LogStats()                          {}

// FrameStats accumulates counters between periodic log flushes.
type FrameStats struct {
	mu         sync.Mutex
	frames     int64
	bytes      int64
	detections int64
	dropped    int64
	invalid    int64
}

// NewFrameStats creates an empty collector.
func NewFrameStats() *FrameStats {
	return &FrameStats{}
}

func (s *FrameStats) AddFrame(bytes int, detections int) {
	s.mu.Lock()
	s.frames++
	s.bytes += int64(bytes)
	s.detections += int64(detections)
	s.mu.Unlock()
}

func (s *FrameStats) AddDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *FrameStats) AddInvalid() {
	s.mu.Lock()
	s.invalid++
	s.mu.Unlock()
}

// LogStats reports and resets the interval counters.
func (s *FrameStats) LogStats() {
	s.mu.Lock()
	frames, bytes, dets := s.frames, s.bytes, s.detections
	dropped, invalid := s.dropped, s.invalid
	s.frames, s.bytes, s.detections, s.dropped, s.invalid = 0, 0, 0, 0, 0
	s.mu.Unlock()

	if frames == 0 && dropped == 0 && invalid == 0 {
		return
	}
	monitoring.Logf("frame stream: %d frames (%d bytes, %d detections), %d dropped, %d invalid",
		frames, bytes, dets, dropped, invalid)
}
