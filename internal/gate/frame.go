package gate

import "time"

// PersonClassID is the detector class for people. Detections of other
// classes are dropped at ingest.
const PersonClassID = 0

// Detection is a single detector output for one frame. BBoxPx is in pixel
// coordinates; the pipeline normalizes it by the frame dimensions.
type Detection struct {
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"`
	BBoxPx     [4]float64 `json:"bbox_px"` // x1, y1, x2, y2
}

// Normalize converts the pixel box to normalized coordinates for a frame
// of the given size.
func (d Detection) Normalize(frameW, frameH int) BBox {
	fw, fh := float64(frameW), float64(frameH)
	return BBox{
		X1: clamp01(d.BBoxPx[0] / fw),
		Y1: clamp01(d.BBoxPx[1] / fh),
		X2: clamp01(d.BBoxPx[2] / fw),
		Y2: clamp01(d.BBoxPx[3] / fh),
	}
}

// Keypoint is one COCO keypoint in normalized coordinates.
type Keypoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Visibility float64 `json:"visibility"`
}

// Frame is one unit of pipeline input: everything the upstream adapter
// produced for a single video frame. The core never sees pixels.
type Frame struct {
	FrameID    uint64        `json:"frame_id"`
	Timestamp  time.Duration `json:"timestamp"` // monotonic, from the stream origin
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Detections []Detection   `json:"detections"`

	// HasTimestamp distinguishes a stream-stamped frame from one the
	// adapter could not stamp. A stamp of zero is a real instant, the
	// stream origin; only unstamped frames are timed on arrival.
	HasTimestamp bool `json:"-"`

	// Keypoints are optional per-detection pose hints, indexed in
	// parallel with Detections. Nil when the adapter has no pose source.
	Keypoints [][]Keypoint `json:"keypoints,omitempty"`
}
