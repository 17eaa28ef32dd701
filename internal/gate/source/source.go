// Package source adapts external detection streams into pipeline
// frames. The wire format is one JSON-encoded frame per UDP datagram;
// recorded streams replay from PCAP captures.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentryline/gatewatch/internal/gate"
)

// MaxFrameBytes bounds a single frame datagram.
const MaxFrameBytes = 65507

// ParseFrame decodes one frame datagram. A timestamp field present in
// the datagram marks the frame stream-stamped, even at zero: the
// pipeline only falls back to arrival time for frames with no stamp
// at all.
func ParseFrame(data []byte) (gate.Frame, error) {
	var w struct {
		gate.Frame
		Timestamp *int64 `json:"timestamp"` // nanoseconds; shadows the frame field to detect absence
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return gate.Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	f := w.Frame
	if w.Timestamp != nil {
		f.Timestamp = time.Duration(*w.Timestamp)
		f.HasTimestamp = true
	}
	if f.Width <= 0 || f.Height <= 0 {
		return gate.Frame{}, fmt.Errorf("frame %d has invalid dimensions %dx%d", f.FrameID, f.Width, f.Height)
	}
	for i, d := range f.Detections {
		if d.Confidence < 0 || d.Confidence > 1 {
			return gate.Frame{}, fmt.Errorf("frame %d detection %d confidence %.3f out of range", f.FrameID, i, d.Confidence)
		}
	}
	return f, nil
}

// FrameSink accepts decoded frames from a listener or replay reader.
type FrameSink interface {
	Offer(f gate.Frame)
}

// ChannelSource bridges a push-style listener to the pull-style
// pipeline loop. The buffer keeps the newest frames: when full, the
// oldest pending frame is dropped.
type ChannelSource struct {
	ch    chan gate.Frame
	stats StatsInterface
}

// NewChannelSource creates a source with the given buffer depth.
func NewChannelSource(buffer int, stats StatsInterface) *ChannelSource {
	if buffer < 1 {
		buffer = 8
	}
	if stats == nil {
		stats = &noopStats{}
	}
	return &ChannelSource{ch: make(chan gate.Frame, buffer), stats: stats}
}

// Offer enqueues a frame, discarding the oldest pending frame if the
// buffer is full. Never blocks the producer.
func (s *ChannelSource) Offer(f gate.Frame) {
	for {
		select {
		case s.ch <- f:
			return
		default:
		}
		select {
		case <-s.ch:
			s.stats.AddDropped()
		default:
		}
	}
}

// NextFrame blocks until a frame is available or ctx is cancelled.
func (s *ChannelSource) NextFrame(ctx context.Context) (gate.Frame, error) {
	select {
	case <-ctx.Done():
		return gate.Frame{}, ctx.Err()
	case f := <-s.ch:
		return f, nil
	}
}
