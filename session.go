package delay

import (
	"context"
	"time"
)

// Session is one decoding window for a single logical channel: it owns
// a decoder, the receiving end of a signal pipe, and an idle deadline.
// It is either Open or, terminally, Closed.
type Session struct {
	decoder  Decoder
	receiver *SignalReceiver

	lastSignalInstant time.Time
	deadline          time.Time

	open bool
}

// NewSession returns an Open session starting at startInstant with the
// given initial idle deadline.
func NewSession(
	decoder Decoder,
	receiver *SignalReceiver,
	startInstant time.Time,
	timeoutInstant time.Time,
) *Session {
	return &Session{
		decoder:           decoder,
		receiver:          receiver,
		lastSignalInstant: startInstant,
		deadline:          timeoutInstant,
		open:              true,
	}
}

// StartWithReceiver attempts to begin a new generation from a signal
// already waiting on the receiver, without blocking. The consumed
// signal is the generation's seed: it sets the starting instant and
// initial deadline but is not itself decoded, since there is no prior
// instant to measure from. If no signal is immediately available (or
// the sender side is gone) the returned session is Closed.
func StartWithReceiver(decoder Decoder, receiver *SignalReceiver) *Session {
	seed, ok := receiver.tryRecv()
	if !ok {
		return &Session{decoder: decoder, receiver: receiver}
	}
	return NewSession(decoder, receiver, seed.Instant, seed.TimeoutInstant)
}

// IsOpen reports whether the session can still accept signals.
func (s *Session) IsOpen() bool {
	return s.open
}

// Wait drives the session until its window closes, returning the
// decoded bits and the receiver (which may hold the out-of-window
// signal that seeds the next generation). If ctx is cancelled first,
// Wait returns ctx.Err() and the session remains Open; accumulated
// state is kept but never published by the registry.
//
// Waiting on a Closed session is a contract violation and panics.
func (s *Session) Wait(ctx context.Context) ([]bool, *SignalReceiver, error) {
	if !s.open {
		panic("delay: session waited on after close")
	}

	timer := time.NewTimer(time.Until(s.deadline))
	defer timer.Stop()
	armedDeadline := s.deadline
	timerFired := false

	for {
		// batch every signal that is ready without blocking so the
		// timer is re-armed at most once per wakeup; ready signals
		// are examined before a fired timer closes the window
	drain:
		for {
			if s.receiver.stashed != nil {
				signal := *s.receiver.stashed
				s.receiver.stashed = nil
				if done := s.apply(signal, true); done {
					bits, receiver := s.close()
					return bits, receiver, nil
				}
				continue
			}
			select {
			case signal, ok := <-s.receiver.ch:
				if done := s.apply(signal, ok); done {
					bits, receiver := s.close()
					return bits, receiver, nil
				}
			default:
				break drain
			}
		}

		if !s.deadline.Equal(armedDeadline) {
			if !timerFired && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(s.deadline))
			armedDeadline = s.deadline
			timerFired = false
		}

		if timerFired {
			bits, receiver := s.close()
			return bits, receiver, nil
		}

		select {
		case signal, ok := <-s.receiver.ch:
			if done := s.apply(signal, ok); done {
				bits, receiver := s.close()
				return bits, receiver, nil
			}
		case <-timer.C:
			timerFired = true
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// apply feeds one received signal through the window rules and reports
// whether the session must close. A signal at or past the current
// deadline is out-of-window: it is stashed for the next generation and
// contributes no duration to this one.
func (s *Session) apply(signal Signal, ok bool) (done bool) {
	if !ok {
		// sender side is gone; close with what was accumulated
		return true
	}
	if !signal.Instant.Before(s.deadline) {
		s.receiver.stash(signal)
		return true
	}
	s.decoder.PushDuration(signal.Instant.Sub(s.lastSignalInstant))
	s.lastSignalInstant = signal.Instant
	s.deadline = signal.TimeoutInstant
	return false
}

// close transitions to Closed and consumes the decoder.
func (s *Session) close() ([]bool, *SignalReceiver) {
	s.open = false
	receiver := s.receiver
	s.receiver = nil
	bits := s.decoder.Close()
	s.decoder = nil
	return bits, receiver
}
