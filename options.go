package delay

import "github.com/rs/zerolog"

// defaultResultBufferSize bounds the result stream's buffer.
const defaultResultBufferSize = 8

// config represents internal store configuration.
type config struct {
	logger           zerolog.Logger
	signalBufferSize int
	resultBufferSize int
}

// Option represents a configuration option for a SessionStore.
type Option func(*config)

// WithLogger sets the store's logger. By default the store does not
// log.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithSignalBufferSize sets how many signals may queue per key before
// PushSignal blocks i.e. the per-key backpressure bound.
func WithSignalBufferSize(size int) Option {
	return func(c *config) { c.signalBufferSize = size }
}

// WithResultBufferSize sets how many completed windows may queue on
// the result stream before drivers block waiting for the consumer.
func WithResultBufferSize(size int) Option {
	return func(c *config) { c.resultBufferSize = size }
}
