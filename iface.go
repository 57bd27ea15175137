package delay

import "time"

// Decoder consumes successive inter-arrival durations and, on close,
// produces the bit sequence decoded from them.
type Decoder interface {
	// PushDuration records one inter-arrival duration. It never fails.
	PushDuration(duration time.Duration)

	// Close consumes the decoder and returns the decoded bits in push
	// order. No method may be called on the decoder afterward.
	Close() []bool
}

// DecoderFactory is a function that will be invoked to create a fresh
// decoder whenever a new session generation begins. It must be safe
// to call from the registry's background goroutines and must return
// an independent decoder instance on every call.
type DecoderFactory func() Decoder
