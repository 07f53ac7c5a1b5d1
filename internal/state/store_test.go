package state

import (
	"errors"
	"sync"
	"testing"

	"fragmesh/internal/events"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) (*Store, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return NewStore(bus), bus
}

func TestSetThenGet(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Set("theme", "light"))
	require.NoError(t, store.Set("theme", "dark"))

	v, ok := store.Get("theme")
	require.True(t, ok)
	assert.Equal(t, "dark", v)
	assert.Equal(t, uint64(2), store.Version("theme"))

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestSetEmitsChange(t *testing.T) {
	store, bus := newTestStore(t)

	require.NoError(t, store.Set("cart", 1, WithWriter("header")))
	require.NoError(t, store.Set("cart", 2, WithWriter("checkout")))

	changed := bus.Replay(events.Filter{Types: []string{TopicChanged}})
	require.Len(t, changed, 2)

	want := Change{Key: "cart", Value: 2, PreviousValue: 1, Version: 2, Writer: "checkout"}
	if diff := cmp.Diff(want, changed[1].Payload); diff != "" {
		t.Errorf("unexpected change payload (-want +got):\n%s", diff)
	}
	assert.Equal(t, "checkout", changed[1].Source)
}

func TestStaleWriteRejected(t *testing.T) {
	store, bus := newTestStore(t)

	require.NoError(t, store.Set("count", 1))
	entry, ok := store.Entry("count")
	require.True(t, ok)

	// Another fragment writes first.
	require.NoError(t, store.Set("count", 2, WithBaseVersion(entry.Version)))

	err := store.Set("count", 99, WithBaseVersion(entry.Version))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleWrite))
	var swe *StaleWriteError
	require.True(t, errors.As(err, &swe))
	assert.Equal(t, uint64(1), swe.Base)
	assert.Equal(t, uint64(2), swe.Current)

	v, _ := store.Get("count")
	assert.Equal(t, 2, v, "stale write must not change the value")
	assert.Len(t, bus.Replay(events.Filter{Types: []string{TopicChanged}}), 2)
}

func TestSubscribeImmediateThenUpdates(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Set("user", "ada"))

	var got []Change
	unsub, err := store.Subscribe("user", func(c Change) { got = append(got, c) })
	require.NoError(t, err)

	require.NoError(t, store.Set("user", "grace"))
	require.NoError(t, store.Set("other", "ignored"))
	unsub()
	unsub()
	require.NoError(t, store.Set("user", "linus"))

	require.Len(t, got, 2)
	assert.Equal(t, "ada", got[0].Value)
	assert.Equal(t, uint64(1), got[0].Version)
	assert.Equal(t, "grace", got[1].Value)
	assert.Equal(t, "ada", got[1].PreviousValue)
}

func TestSubscribeWithoutValue(t *testing.T) {
	store, _ := newTestStore(t)

	var got []Change
	unsub, err := store.Subscribe("locale", func(c Change) { got = append(got, c) })
	require.NoError(t, err)
	defer unsub()

	assert.Empty(t, got, "no immediate callback without a value")

	require.NoError(t, store.Set("locale", "en"))
	require.Len(t, got, 1)
}

func TestRemove(t *testing.T) {
	store, bus := newTestStore(t)
	require.NoError(t, store.Set("token", "abc"))

	var got []Change
	unsub, err := store.Subscribe("token", func(c Change) { got = append(got, c) })
	require.NoError(t, err)
	defer unsub()

	store.Remove("token", WithWriter("auth"))
	store.Remove("token")

	_, ok := store.Get("token")
	assert.False(t, ok)
	require.Len(t, got, 2)
	assert.True(t, got[1].Removed)
	assert.Equal(t, "abc", got[1].PreviousValue)

	removed := bus.Replay(events.Filter{Types: []string{TopicRemoved}})
	require.Len(t, removed, 1)

	// Versions keep counting after removal.
	require.NoError(t, store.Set("token", "def"))
	assert.Equal(t, uint64(3), store.Version("token"))
}

func TestWatcherDropsOutOfOrder(t *testing.T) {
	var got []uint64
	w := &watcher{key: "k", cb: func(c Change) { got = append(got, c.Version) }}

	w.notify(Change{Version: 1})
	w.notify(Change{Version: 3})
	w.notify(Change{Version: 2})
	w.notify(Change{Version: 3})
	w.notify(Change{Version: 4})

	assert.Equal(t, []uint64{1, 3, 4}, got)
}

func TestConcurrentWritersMonotonic(t *testing.T) {
	store, _ := newTestStore(t)

	var mu sync.Mutex
	var versions []uint64
	unsub, err := store.Subscribe("hits", func(c Change) {
		mu.Lock()
		versions = append(versions, c.Version)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Set("hits", i)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(50), store.Version("hits"))
	mu.Lock()
	defer mu.Unlock()
	seen := make(map[uint64]bool)
	for _, v := range versions {
		assert.False(t, seen[v], "version %d delivered twice", v)
		seen[v] = true
	}
	assert.True(t, seen[50], "the final version is always delivered")
}

func TestEmissionsFollowVersionOrder(t *testing.T) {
	store, bus := newTestStore(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	bus.Use(func(e events.Event) (events.Event, error) {
		if c, ok := e.Payload.(Change); ok && c.Version == 1 {
			close(entered)
			<-release
		}
		return e, nil
	})

	var mu sync.Mutex
	var delivered []uint64
	unsub, err := bus.Subscribe(TopicChanged, func(e events.Event) error {
		mu.Lock()
		delivered = append(delivered, e.Payload.(Change).Version)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	done := make(chan error, 1)
	go func() { done <- store.Set("k", "v1") }()
	<-entered

	require.NoError(t, store.Set("k", "v2"))
	close(release)
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, delivered)
	mu.Unlock()

	var history []uint64
	for _, e := range bus.Replay(events.Filter{Types: []string{TopicChanged}}) {
		history = append(history, e.Payload.(Change).Version)
	}
	assert.Equal(t, []uint64{1, 2}, history)

	v, _ := store.Get("k")
	assert.Equal(t, "v2", v)
}

func TestConcurrentWritersReplayInVersionOrder(t *testing.T) {
	store, bus := newTestStore(t)

	var mu sync.Mutex
	var delivered []uint64
	unsub, err := bus.Subscribe(TopicChanged, func(e events.Event) error {
		mu.Lock()
		delivered = append(delivered, e.Payload.(Change).Version)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Set("counter", i)
		}(i)
	}
	wg.Wait()

	replayed := bus.Replay(events.Filter{Types: []string{TopicChanged}})
	require.Len(t, replayed, 40)
	for i, e := range replayed {
		assert.Equal(t, uint64(i+1), e.Payload.(Change).Version)
	}
	last, _ := store.Get("counter")
	assert.Equal(t, last, replayed[len(replayed)-1].Payload.(Change).Value)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 40)
	for i, v := range delivered {
		assert.Equal(t, uint64(i+1), v)
	}
}

func TestCallbackMayWriteWithoutDeadlock(t *testing.T) {
	store, bus := newTestStore(t)

	unsub, err := store.Subscribe("a", func(c Change) {
		_ = store.Set("b", c.Value)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, store.Set("a", 1))

	v, ok := store.Get("b")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	var keys []string
	for _, e := range bus.Replay(events.Filter{Types: []string{TopicChanged}}) {
		keys = append(keys, e.Payload.(Change).Key)
	}
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestKeysAndValidation(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Set("b", 1))
	require.NoError(t, store.Set("a", 1))
	assert.Equal(t, []string{"a", "b"}, store.Keys())

	assert.ErrorIs(t, store.Set("", 1), ErrEmptyKey)
	_, err := store.Subscribe("a", nil)
	assert.ErrorIs(t, err, ErrNilCallback)
}
