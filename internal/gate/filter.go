package gate

// JitterFilter smooths a track's center over a short moving window so
// zone classification and proximity do not flap on detector jitter.
// Until the window fills, positions pass through unfiltered.
type JitterFilter struct {
	window  int
	samples []Point
}

// NewJitterFilter returns a filter with the given window size. Window
// sizes below 1 behave as pass-through.
func NewJitterFilter(window int) *JitterFilter {
	if window < 1 {
		window = 1
	}
	return &JitterFilter{window: window}
}

// Push records a raw center and returns the smoothed center. The
// smoothed value is the arithmetic mean of the window once the window
// is full, and the raw value before that.
func (f *JitterFilter) Push(p Point) Point {
	f.samples = append(f.samples, p)
	if len(f.samples) > f.window {
		f.samples = f.samples[1:]
	}
	if len(f.samples) < f.window {
		return p
	}
	var sx, sy float64
	for _, s := range f.samples {
		sx += s.X
		sy += s.Y
	}
	n := float64(len(f.samples))
	return Point{X: sx / n, Y: sy / n}
}

// Reset discards accumulated samples.
func (f *JitterFilter) Reset() {
	f.samples = f.samples[:0]
}
