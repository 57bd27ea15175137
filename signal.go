package delay

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrSessionClosed is returned by SignalSender.Send when the session
// chain reading from the other end has already shut down. This is an
// expected race against a just-finished generation: callers that still
// care should retry, which will start a fresh session chain.
var ErrSessionClosed = errors.New("delay: session chain is closed")

// defaultSignalBufferSize bounds how many signals may queue per key so
// a runaway producer cannot grow memory unboundedly.
const defaultSignalBufferSize = 8

// Signal is a single timestamped event on one logical channel. Instant
// is when the event occurred; TimeoutInstant is the new idle deadline
// the receiving session adopts if it accepts the signal.
type Signal struct {
	Instant        time.Time
	TimeoutInstant time.Time
}

// SignalSender is the producing end of a signal pipe.
type SignalSender struct {
	ch     chan Signal
	done   chan struct{}
	closed bool
}

// SignalReceiver is the consuming end of a signal pipe. It holds a
// one-slot stash so a session that closes on an out-of-window signal
// can hand that signal, unconsumed, to the next generation.
type SignalReceiver struct {
	ch      chan Signal
	stashed *Signal
}

// SignalPipe returns a connected sender/receiver pair backed by a
// bounded FIFO buffer of the default size.
func SignalPipe() (*SignalSender, *SignalReceiver) {
	return signalPipe(defaultSignalBufferSize)
}

func signalPipe(capacity int) (*SignalSender, *SignalReceiver) {
	ch := make(chan Signal, capacity)
	return &SignalSender{ch: ch, done: make(chan struct{})},
		&SignalReceiver{ch: ch}
}

// Send delivers a signal to the receiving session, blocking while the
// pipe's buffer is full. It returns ErrSessionClosed once the session
// chain on the other end has shut down, or the context's error if ctx
// is cancelled first.
func (s *SignalSender) Send(ctx context.Context, signal Signal) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.ch <- signal:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the sender side as gone: the receiving session drains
// whatever is buffered and then closes with its accumulated bits.
// Close must not be called concurrently with Send.
func (s *SignalSender) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// finish marks the receiving chain as shut down so that subsequent
// sends fail instead of queueing signals nobody will read.
func (s *SignalSender) finish() {
	close(s.done)
}

// stash parks an out-of-window signal for the next generation.
func (r *SignalReceiver) stash(signal Signal) {
	r.stashed = &signal
}

// tryRecv returns one signal without blocking: the stashed signal if
// present, else one buffered on the channel. The second return is
// false when nothing is immediately available or the sender is gone.
func (r *SignalReceiver) tryRecv() (Signal, bool) {
	if r.stashed != nil {
		signal := *r.stashed
		r.stashed = nil
		return signal, true
	}
	select {
	case signal, ok := <-r.ch:
		if !ok {
			return Signal{}, false
		}
		return signal, true
	default:
		return Signal{}, false
	}
}
