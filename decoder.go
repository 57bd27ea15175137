package delay

import "time"

// ThresholdDecoder decodes each inter-arrival duration independently:
// delays at or above a fixed threshold decode to true, shorter delays
// to false. Output length always equals the number of pushes.
type ThresholdDecoder struct {
	threshold time.Duration
	bits      []bool
}

// NewThresholdDecoder returns a new ThresholdDecoder with the given
// fixed threshold.
func NewThresholdDecoder(threshold time.Duration) *ThresholdDecoder {
	return &ThresholdDecoder{threshold: threshold}
}

// PushDuration records one inter-arrival duration.
func (d *ThresholdDecoder) PushDuration(duration time.Duration) {
	d.bits = append(d.bits, duration >= d.threshold)
}

// Close returns the decoded bits in push order.
func (d *ThresholdDecoder) Close() []bool {
	return d.bits
}

// AverageDecoder buffers every inter-arrival duration and decodes them
// against their own arithmetic mean on close: delays at or above the
// mean decode to true. With fewer than two recorded durations there is
// no meaningful baseline and the decoded sequence is empty.
type AverageDecoder struct {
	durations []time.Duration
}

// NewAverageDecoder returns a new AverageDecoder.
func NewAverageDecoder() *AverageDecoder {
	return &AverageDecoder{}
}

// PushDuration records one inter-arrival duration.
func (d *AverageDecoder) PushDuration(duration time.Duration) {
	d.durations = append(d.durations, duration)
}

// Close computes the mean over all recorded durations and returns one
// bit per duration, in push order.
func (d *AverageDecoder) Close() []bool {
	if len(d.durations) < 2 {
		return nil
	}

	var sum time.Duration
	for _, duration := range d.durations {
		sum += duration
	}
	// truncating integer division, consistent with time.Duration math
	average := sum / time.Duration(len(d.durations))

	bits := make([]bool, 0, len(d.durations))
	for _, duration := range d.durations {
		bits = append(bits, duration >= average)
	}
	return bits
}
