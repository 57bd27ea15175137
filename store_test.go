package delay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultWait = 5 * time.Second

func thresholdFactory(threshold time.Duration) DecoderFactory {
	return func() Decoder { return NewThresholdDecoder(threshold) }
}

func nextResult[K comparable](t *testing.T, stream *SessionStream[K]) Result[K] {
	t.Helper()
	select {
	case result, ok := <-stream.Results():
		require.True(t, ok, "result stream closed unexpectedly")
		return result
	case <-time.After(resultWait):
		t.Fatal("timed out waiting for a decoded result")
		return Result[K]{}
	}
}

func emptyEntries[K comparable](store *SessionStore[K]) func() bool {
	return func() bool {
		store.entries.mu.Lock()
		defer store.entries.mu.Unlock()
		return len(store.entries.senders) == 0
	}
}

func TestStoreEndToEnd(t *testing.T) {
	store, stream := NewSessionStore[string](10 * unit)
	defer store.Close()

	ctx := context.Background()
	factory := thresholdFactory(time.Duration(3.5 * float64(unit)))

	// signals at t=0, 3, 7 and nothing further: the window closes at
	// t=17 with durations 3 and 4
	base := time.Now()
	require.NoError(t, store.PushSignal(ctx, "a", base, factory))
	require.NoError(t, store.PushSignal(ctx, "a", base.Add(3*unit), factory))
	require.NoError(t, store.PushSignal(ctx, "a", base.Add(7*unit), factory))

	result := nextResult(t, stream)
	assert.GreaterOrEqual(t, time.Since(base), 17*unit)
	assert.Equal(t, "a", result.Key)
	assert.Equal(t, []bool{false, true}, result.Bits)

	// the chain ended, so the key's entry is gone
	assert.Eventually(t, emptyEntries(store), resultWait, unit)
}

func TestStoreKeyIsolation(t *testing.T) {
	store, stream := NewSessionStore[string](5 * unit)
	defer store.Close()

	ctx := context.Background()
	factory := thresholdFactory(time.Duration(1.5 * float64(unit)))

	// interleaved pushes for two keys with distinct timing patterns
	base := time.Now()
	require.NoError(t, store.PushSignal(ctx, "short", base, factory))
	require.NoError(t, store.PushSignal(ctx, "long", base, factory))
	require.NoError(t, store.PushSignal(ctx, "short", base.Add(1*unit), factory))
	require.NoError(t, store.PushSignal(ctx, "long", base.Add(2*unit), factory))

	decoded := map[string][]bool{}
	for range 2 {
		result := nextResult(t, stream)
		decoded[result.Key] = result.Bits
	}

	// neither key's decoder observed the other key's durations
	assert.Equal(t, []bool{false}, decoded["short"])
	assert.Equal(t, []bool{true}, decoded["long"])
}

func TestStoreLateSignalRollsOver(t *testing.T) {
	store, stream := NewSessionStore[string](10 * unit)
	defer store.Close()

	ctx := context.Background()
	factory := thresholdFactory(4 * unit)

	base := time.Now()
	require.NoError(t, store.PushSignal(ctx, "k", base, factory))
	require.NoError(t, store.PushSignal(ctx, "k", base.Add(5*unit), factory))
	// at exactly the extended deadline (t=15): closes the first
	// generation without being decoded, then seeds the second
	require.NoError(t, store.PushSignal(ctx, "k", base.Add(15*unit), factory))

	first := nextResult(t, stream)
	assert.Equal(t, "k", first.Key)
	assert.Equal(t, []bool{true}, first.Bits) // the 5-unit duration

	// the second generation times out with only its seed: no durations
	second := nextResult(t, stream)
	assert.Equal(t, "k", second.Key)
	assert.Empty(t, second.Bits)

	assert.Eventually(t, emptyEntries(store), resultWait, unit)
}

func TestStoreConcurrentPushesShareOneSession(t *testing.T) {
	store, stream := NewSessionStore[string](20 * unit)
	defer store.Close()

	factory := thresholdFactory(unit)
	base := time.Now()

	// racing pushes for one key: exactly one session is created and
	// every signal lands in it
	const pushes = 6
	errs := make(chan error, pushes)
	for range pushes {
		go func() {
			errs <- store.PushSignal(context.Background(), "k", base, factory)
		}()
	}
	for range pushes {
		require.NoError(t, <-errs)
	}

	result := nextResult(t, stream)
	assert.Equal(t, "k", result.Key)
	// one seed plus five zero-length durations
	assert.Equal(t, []bool{false, false, false, false, false}, result.Bits)

	// no second session ever existed
	select {
	case extra := <-stream.Results():
		t.Fatalf("unexpected extra result: %+v", extra)
	case <-time.After(10 * unit):
	}
}

func TestStoreRestartsChainAfterCompletion(t *testing.T) {
	store, stream := NewSessionStore[string](2 * unit)
	defer store.Close()

	ctx := context.Background()
	factory := thresholdFactory(unit)

	base := time.Now()
	require.NoError(t, store.PushSignal(ctx, "k", base, factory))
	assert.Empty(t, nextResult(t, stream).Bits)
	assert.Eventually(t, emptyEntries(store), resultWait, unit)

	// a fresh push after the chain ended starts over from scratch
	require.NoError(t, store.PushSignal(ctx, "k", time.Now(), factory))
	assert.Equal(t, "k", nextResult(t, stream).Key)
}

func TestStorePushAfterCloseFails(t *testing.T) {
	store, _ := NewSessionStore[string](10 * unit)
	store.Close()

	err := store.PushSignal(context.Background(), "k", time.Now(), thresholdFactory(unit))
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStoreCloseDiscardsOpenWindows(t *testing.T) {
	store, stream := NewSessionStore[string](time.Hour)

	require.NoError(t, store.PushSignal(
		context.Background(), "k", time.Now(), thresholdFactory(unit),
	))
	store.Close()

	// the in-flight window is dropped, not published; the stream just
	// terminates
	result, ok := <-stream.Results()
	assert.False(t, ok)
	assert.Empty(t, result.Bits)
	assert.True(t, emptyEntries(store)())
}

func TestStoreCloseIsIdempotent(t *testing.T) {
	store, _ := NewSessionStore[string](unit)
	store.Close()
	assert.NotPanics(t, store.Close)
}
