package capture

import "time"

// Stats summarises session behaviour for instrumentation.
type Stats struct {
	Callbacks        uint64 // frame-arrived invocations, including empty ones
	Frames           uint64 // frames published to the relay
	Empty            uint64 // callbacks that found no pending frame
	AcquireFailures  uint64
	Recreations      uint64 // successful pool recreations
	RecreateFailures uint64
	Panics           uint64 // recovered handler panics
	Sequence         uint64 // last sequence number handed out
	Dimensions       Dimensions
	LastFrame        time.Time
	LatestFrameAge   time.Duration
	Uptime           time.Duration
}

// FPS is the average publish rate since start.
func (s Stats) FPS() float64 {
	if s.Uptime <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Uptime.Seconds()
}
