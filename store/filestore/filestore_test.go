package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/powermode/store"
)

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestKeyOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{})

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	assert.ErrorIs(t, s.Set(ctx, "", nil, 0), store.ErrInvalidKey)
}

func TestKeyTTLExpiresLazily(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	current := time.Now()
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	s := newStore(t, Options{Dir: t.TempDir(), Now: now})

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, v)

	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestReadsDoNotRewriteStateFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, Options{Dir: dir})

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.LPush(ctx, "l", []byte("a")))

	statePath := filepath.Join(dir, StateDirName, StateFileName)
	before, err := os.ReadFile(statePath)
	require.NoError(t, err)

	// Pure reads: a hit, a miss, and an empty pop.
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	_, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	_, err = s.RPop(ctx, "empty")
	require.NoError(t, err)

	after, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Popping an element is a write.
	v, err = s.RPop(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)
	after, err = os.ReadFile(statePath)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestCASSemantics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{})

	// Nil expected claims an absent key.
	ok, err := s.CAS(ctx, "lease", nil, []byte("c1"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim fails.
	ok, err = s.CAS(ctx, "lease", nil, []byte("c2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Swap requires the current value.
	ok, err = s.CAS(ctx, "lease", []byte("c2"), []byte("c3"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.CAS(ctx, "lease", []byte("c1"), []byte("c3"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// Nil value deletes when expected matches.
	ok, err = s.CAS(ctx, "lease", []byte("c3"), nil, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	v, err := s.Get(ctx, "lease")
	require.NoError(t, err)
	assert.Nil(t, v)
}

// TestCASMutualExclusionProperty races claimants for an absent key and
// checks exactly one wins per round.
func TestCASMutualExclusionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	ctx := context.Background()
	s := newStore(t, Options{})
	round := 0

	properties.Property("exactly one claimant wins", prop.ForAll(
		func(claimants int) bool {
			round++
			key := fmt.Sprintf("lease-%d", round)
			var wg sync.WaitGroup
			wins := make(chan string, claimants)
			for i := 0; i < claimants; i++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					who := fmt.Sprintf("c%d", id)
					ok, err := s.CAS(ctx, key, nil, []byte(who), 0)
					if err == nil && ok {
						wins <- who
					}
				}(i)
			}
			wg.Wait()
			close(wins)
			var winners []string
			for w := range wins {
				winners = append(winners, w)
			}
			if len(winners) != 1 {
				return false
			}
			v, err := s.Get(ctx, key)
			return err == nil && string(v) == winners[0]
		},
		gen.IntRange(2, 6),
	))

	properties.TestingRun(t)
}

func TestHashOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{})

	require.NoError(t, s.HSet(ctx, "h", "f1", []byte("v1")))
	require.NoError(t, s.HSet(ctx, "h", "f2", []byte("v2")))

	v, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	v, err = s.HGet(ctx, "h", "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"f1": []byte("v1"), "f2": []byte("v2")}, all)
}

func TestListOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{})

	require.NoError(t, s.LPush(ctx, "l", []byte("a")))
	require.NoError(t, s.LPush(ctx, "l", []byte("b"), []byte("c")))

	// List is now [c, b, a]; RPop drains oldest-pushed first.
	v, err := s.RPop(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	items, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("c"), []byte("b")}, items)

	_, err = s.RPop(ctx, "l")
	require.NoError(t, err)
	_, err = s.RPop(ctx, "l")
	require.NoError(t, err)
	v, err = s.RPop(ctx, "l")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStreamOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{})

	id1, err := s.XAdd(ctx, "ledger", []byte("e1"))
	require.NoError(t, err)
	id2, err := s.XAdd(ctx, "ledger", []byte("e2"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	entries, err := s.XRange(ctx, "ledger", "-", "+")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("e1"), entries[0].Payload)
	assert.Equal(t, []byte("e2"), entries[1].Payload)

	entries, err = s.XRange(ctx, "ledger", id2, "+")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("e2"), entries[0].Payload)
}

func TestPublishSubscribeLoopback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{})

	sub, err := s.Subscribe(ctx, "client-1", "chan")
	require.NoError(t, err)
	defer sub.Close()

	start := time.Now()
	require.NoError(t, s.Publish(ctx, "chan", []byte("hello")))

	select {
	case d := <-sub.C():
		assert.Equal(t, "chan", d.Channel)
		assert.Equal(t, []byte("hello"), d.Payload)
		// Delivery latency stays within a few poll intervals.
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestSubscribeResumesAfterRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, Options{Dir: dir})

	sub, err := s.Subscribe(ctx, "client-1", "chan")
	require.NoError(t, err)
	require.NoError(t, s.Publish(ctx, "chan", []byte("m1")))

	select {
	case d := <-sub.C():
		assert.Equal(t, []byte("m1"), d.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	sub.Close()

	// Messages published while the subscriber is away are delivered on
	// resume; the consumed one is not replayed.
	require.NoError(t, s.Publish(ctx, "chan", []byte("m2")))

	sub2, err := s.Subscribe(ctx, "client-1", "chan")
	require.NoError(t, err)
	defer sub2.Close()

	select {
	case d := <-sub2.C():
		assert.Equal(t, []byte("m2"), d.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after resume")
	}
}

func TestPublishOrderingPerChannel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{})

	sub, err := s.Subscribe(ctx, "c", "chan")
	require.NoError(t, err)
	defer sub.Close()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, s.Publish(ctx, "chan", []byte(fmt.Sprintf("m%02d", i))))
	}

	var lastSeq uint64
	for i := 0; i < n; i++ {
		select {
		case d := <-sub.C():
			assert.Equal(t, fmt.Sprintf("m%02d", i), string(d.Payload))
			var seq uint64
			_, err := fmt.Sscanf(d.Seq, "%d", &seq)
			require.NoError(t, err)
			assert.Greater(t, seq, lastSeq)
			lastSeq = seq
		case <-time.After(2 * time.Second):
			t.Fatalf("missing delivery %d", i)
		}
	}
}

func TestRingTrimKeepsNewest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{MaxMessagesPerChannel: 5})

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Publish(ctx, "chan", []byte(fmt.Sprintf("m%02d", i))))
	}

	sub, err := s.Subscribe(ctx, "late", "chan")
	require.NoError(t, err)
	defer sub.Close()

	// A late subscriber sees only the newest ring contents.
	got := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		select {
		case d := <-sub.C():
			got = append(got, string(d.Payload))
		case <-time.After(2 * time.Second):
			t.Fatalf("missing delivery %d", i)
		}
	}
	assert.Equal(t, []string{"m07", "m08", "m09", "m10", "m11"}, got)
}

func TestCorruptStateFileQuarantined(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, Options{Dir: dir})
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))

	statePath := filepath.Join(dir, StateDirName, StateFileName)
	require.NoError(t, os.WriteFile(statePath, []byte("{corrupt"), 0o644))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrStoreReset)

	// The corrupt file was renamed aside and a fresh document started.
	matches, err := filepath.Glob(statePath + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.NoError(t, s.Set(ctx, "k2", []byte("v2"), 0))
	v, err := s.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestLockContentionReturnsStoreBusy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, Options{Dir: dir, LockTimeout: 50 * time.Millisecond})

	// Simulate another live process holding the lock.
	lockPath := filepath.Join(dir, StateDirName, LockFileName)
	require.NoError(t, os.WriteFile(lockPath, []byte("12345\n"), 0o644))

	err := s.Set(ctx, "k", []byte("v"), 0)
	assert.ErrorIs(t, err, store.ErrStoreBusy)
}

func TestStaleLockReclaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, Options{Dir: dir, LockTimeout: time.Second})

	lockPath := filepath.Join(dir, StateDirName, LockFileName)
	require.NoError(t, os.WriteFile(lockPath, []byte("12345\n"), 0o644))
	old := time.Now().Add(-2 * staleLockAge)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
}

func TestSeqStaysMonotonicPastTrim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, Options{MaxMessagesPerChannel: 3})

	sub, err := s.Subscribe(ctx, "c", "chan")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "chan", []byte("a")))
	var first store.Delivery
	select {
	case first = <-sub.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	sub.Close()

	// Flood past the ring size, then verify new seqs stay above the
	// recorded cursor.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Publish(ctx, "chan", []byte("x")))
	}
	sub2, err := s.Subscribe(ctx, "c", "chan")
	require.NoError(t, err)
	defer sub2.Close()

	select {
	case d := <-sub2.C():
		var before, after uint64
		_, err = fmt.Sscanf(first.Seq, "%d", &before)
		require.NoError(t, err)
		_, err = fmt.Sscanf(d.Seq, "%d", &after)
		require.NoError(t, err)
		assert.Greater(t, after, before)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after trim")
	}
}
