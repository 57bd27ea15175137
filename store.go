package delay

import (
	"context"
	"sync"
	"time"
	"weak"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrStoreClosed is returned by PushSignal after the store has been
// closed.
var ErrStoreClosed = errors.New("delay: session store is closed")

// Result is one completed decoding window: the channel key and the
// bits decoded from that window's signal timing.
type Result[K comparable] struct {
	Key  K
	Bits []bool
}

// SessionStore multiplexes an unbounded number of logical channels,
// each identified by a key, over per-key delay sessions. Every signal
// pushed for a key is routed to that key's open session, creating one
// (and a background driver for its session chain) when none exists.
// Completed windows are published on the paired SessionStream.
type SessionStore[K comparable] struct {
	timeout time.Duration
	entries *senderMap[K]
	results chan Result[K]

	// drivers hold only a weak reference to entries plus these shared
	// allocations, so background cleanup never extends the store's
	// lifetime
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	closeOnce sync.Once

	logger           zerolog.Logger
	signalBufferSize int
}

// SessionStream is the consuming end of a store's results: one item
// per completed decoding window, in completion order. The channel is
// closed when the store is closed and every driver has exited.
type SessionStream[K comparable] struct {
	results chan Result[K]
}

// Results returns the stream's receive channel.
func (s *SessionStream[K]) Results() <-chan Result[K] {
	return s.results
}

// senderMap is the only shared mutable structure: the key to
// inbound-sender map, guarded by a mutex with short critical sections.
type senderMap[K comparable] struct {
	mu      sync.Mutex
	senders map[K]*SignalSender
	closed  bool
}

func (m *senderMap[K]) remove(key K) {
	m.mu.Lock()
	delete(m.senders, key)
	m.mu.Unlock()
}

// NewSessionStore returns a store applying the given idle timeout to
// every key and generation, paired with the stream its completed
// windows are published on.
func NewSessionStore[K comparable](
	timeout time.Duration,
	opts ...Option,
) (*SessionStore[K], *SessionStream[K]) {
	cfg := &config{
		logger:           zerolog.Nop(),
		signalBufferSize: defaultSignalBufferSize,
		resultBufferSize: defaultResultBufferSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Result[K], cfg.resultBufferSize)
	store := &SessionStore[K]{
		timeout:          timeout,
		entries:          &senderMap[K]{senders: make(map[K]*SignalSender)},
		results:          results,
		ctx:              ctx,
		cancel:           cancel,
		wg:               &sync.WaitGroup{},
		logger:           cfg.logger,
		signalBufferSize: cfg.signalBufferSize,
	}
	return store, &SessionStream[K]{results: results}
}

// PushSignal routes a signal observed at instant to the key's open
// session, starting a new session chain if the key has none. A send
// into an existing session blocks while that session's inbound buffer
// is full and fails with ErrSessionClosed if its chain shut down
// concurrently; that race is benign and the call may simply be
// retried. The factory is invoked for every generation the chain
// rolls into.
func (s *SessionStore[K]) PushSignal(
	ctx context.Context,
	key K,
	instant time.Time,
	factory DecoderFactory,
) error {
	signal := Signal{Instant: instant, TimeoutInstant: instant.Add(s.timeout)}

	s.entries.mu.Lock()
	if s.entries.closed {
		s.entries.mu.Unlock()
		return ErrStoreClosed
	}

	if sender, ok := s.entries.senders[key]; ok {
		s.entries.mu.Unlock()
		// may block on backpressure, so it happens outside the lock
		return sender.Send(ctx, signal)
	}

	// vacant key: insert the sender and account the driver atomically
	// with the lookup so two racing pushes cannot create two sessions
	sender, receiver := signalPipe(s.signalBufferSize)
	s.entries.senders[key] = sender
	session := NewSession(factory(), receiver, instant, signal.TimeoutInstant)
	s.wg.Add(1)
	s.entries.mu.Unlock()

	d := &driver[K]{
		entries: weak.Make(s.entries),
		results: s.results,
		ctx:     s.ctx,
		wg:      s.wg,
		logger:  s.logger,
	}
	s.logger.Debug().Interface("key", key).Msg("session chain started")
	go d.run(key, session, factory, sender)

	return nil
}

// Close tears the store down: every driver is cancelled and awaited,
// then the result stream is closed. Windows still open at this point
// are discarded without being published. Close is idempotent.
func (s *SessionStore[K]) Close() {
	s.closeOnce.Do(func() {
		s.entries.mu.Lock()
		s.entries.closed = true
		s.entries.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		close(s.results)
	})
}

// driver drives one key's session chain. It deliberately does not
// reference the store itself: the sender map is reachable only weakly,
// so a store whose handle is gone is not kept alive for cleanup.
type driver[K comparable] struct {
	entries weak.Pointer[senderMap[K]]
	results chan Result[K]
	ctx     context.Context
	wg      *sync.WaitGroup
	logger  zerolog.Logger
}

func (d *driver[K]) run(
	key K,
	session *Session,
	factory DecoderFactory,
	sender *SignalSender,
) {
	defer d.wg.Done()
	defer sender.finish()

	// armed across every suspension point: any exit that does not
	// explicitly disarm (cancellation, panic) removes the map entry,
	// so a key is never left pointing at a sender with no live session
	guard := &removeGuard[K]{key: key, entries: d.entries, armed: true}
	defer guard.drop()

	for {
		bits, receiver, err := session.Wait(d.ctx)
		if err != nil {
			// torn down mid-window; accumulated bits are discarded
			d.logger.Debug().Interface("key", key).Msg("session chain aborted")
			return
		}

		// roll into the next generation before publishing: an
		// out-of-window signal (or one buffered behind the close)
		// seeds it, keeping the inbound sender's identity stable
		session = StartWithReceiver(factory(), receiver)

		d.logger.Debug().
			Interface("key", key).
			Int("bits", len(bits)).
			Bool("rollover", session.IsOpen()).
			Msg("generation closed")

		if !session.IsOpen() {
			if entries := d.entries.Value(); entries != nil {
				entries.remove(key)
			}
			guard.disarm()
			d.publish(key, bits)
			return
		}

		if !d.publish(key, bits) {
			return
		}
	}
}

// publish emits one completed window, reporting false if the store was
// torn down before the stream accepted it.
func (d *driver[K]) publish(key K, bits []bool) bool {
	select {
	case d.results <- Result[K]{Key: key, Bits: bits}:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// removeGuard is a map-entry-owning obligation: while armed, dropping
// it removes the key. The flag is cleared exactly once, on the one
// exit path that has already removed the entry itself.
type removeGuard[K comparable] struct {
	key     K
	entries weak.Pointer[senderMap[K]]
	armed   bool
}

func (g *removeGuard[K]) disarm() {
	g.armed = false
}

func (g *removeGuard[K]) drop() {
	if !g.armed {
		return
	}
	if entries := g.entries.Value(); entries != nil {
		entries.remove(g.key)
	}
}
