package nonceManager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeNonceSource simulates the remote next-nonce endpoint. Each fetch
// returns the current counter and advances it by refill, mimicking a server
// that observed the previous window being fully consumed.
type fakeNonceSource struct {
	mu      sync.Mutex
	next    map[KeyId]int64
	refill  int64
	fetches atomic.Int64

	// fetchFn overrides the default behavior when set.
	fetchFn func(ctx context.Context, accountIndex int64, apiKeyIndex uint8) (int64, error)
}

func newFakeNonceSource(refill int64) *fakeNonceSource {
	return &fakeNonceSource{
		next:   make(map[KeyId]int64),
		refill: refill,
	}
}

func (f *fakeNonceSource) NextNonce(ctx context.Context, accountIndex int64, apiKeyIndex uint8) (int64, error) {
	f.fetches.Add(1)
	if f.fetchFn != nil {
		return f.fetchFn(ctx, accountIndex, apiKeyIndex)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := KeyId{AccountIndex: accountIndex, ApiKeyIndex: apiKeyIndex}
	nonce := f.next[key]
	f.next[key] = nonce + f.refill
	return nonce, nil
}

func newTestManager(t *testing.T, refill int64, source INonceSource) *NonceManager {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	manager, err := NewNonceManager(&Config{RefillSize: refill}, source, logger)
	require.NoError(t, err)
	return manager
}

func TestNext_ConcurrentCallersGetGapFreeSequence(t *testing.T) {
	const (
		refill  = 10
		callers = 100
	)
	source := newFakeNonceSource(refill)
	source.mu.Lock()
	source.next[KeyId{AccountIndex: 7, ApiKeyIndex: 1}] = 1000
	source.mu.Unlock()

	manager := newTestManager(t, refill, source)
	key := KeyId{AccountIndex: 7, ApiKeyIndex: 1}

	var wg sync.WaitGroup
	results := make(chan int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := manager.Next(context.Background(), key)
			assert.NoError(t, err)
			results <- nonce
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for nonce := range results {
		assert.False(t, seen[nonce], "nonce %d issued twice", nonce)
		seen[nonce] = true
	}
	require.Len(t, seen, callers)
	for n := int64(1000); n < 1000+callers; n++ {
		assert.True(t, seen[n], "nonce %d missing from issued set", n)
	}
	assert.Equal(t, int64(callers/refill), source.fetches.Load())
}

func TestNext_RefillOnlyWhenWindowExhausted(t *testing.T) {
	const refill = 5
	source := newFakeNonceSource(refill)
	manager := newTestManager(t, refill, source)
	key := KeyId{AccountIndex: 1}

	_, err := manager.Next(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), source.fetches.Load())

	for i := 0; i < refill-1; i++ {
		_, err := manager.Next(context.Background(), key)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), source.fetches.Load(), "window had capacity, no remote fetch expected")

	_, err = manager.Next(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), source.fetches.Load())
}

func TestNext_SlowRefillOnOneKeyDoesNotBlockAnother(t *testing.T) {
	release := make(chan struct{})
	source := newFakeNonceSource(5)
	source.fetchFn = func(_ context.Context, accountIndex int64, _ uint8) (int64, error) {
		if accountIndex == 1 {
			<-release
		}
		return 100, nil
	}
	manager := newTestManager(t, 5, source)

	blockedDone := make(chan struct{})
	go func() {
		defer close(blockedDone)
		_, err := manager.Next(context.Background(), KeyId{AccountIndex: 1})
		assert.NoError(t, err)
	}()

	// Key 2 must not wait behind key 1's stalled refill.
	done := make(chan struct{})
	go func() {
		defer close(done)
		nonce, err := manager.Next(context.Background(), KeyId{AccountIndex: 2})
		assert.NoError(t, err)
		assert.Equal(t, int64(100), nonce)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call on independent key blocked behind another key's refill")
	}

	close(release)
	<-blockedDone
}

func TestNext_RemoteRegressionIsReconciled(t *testing.T) {
	const refill = 5
	bases := []int64{100, 50} // second fetch regresses below issued nonces
	fetch := 0
	source := newFakeNonceSource(refill)
	source.fetchFn = func(context.Context, int64, uint8) (int64, error) {
		base := bases[fetch]
		fetch++
		return base, nil
	}
	manager := newTestManager(t, refill, source)
	key := KeyId{AccountIndex: 3}

	for i := int64(0); i < refill; i++ {
		nonce, err := manager.Next(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 100+i, nonce)
	}

	// Window exhausted; the remote now claims 50. The cache must not reuse
	// 50..104 and continues from the highest locally issued nonce + 1.
	nonce, err := manager.Next(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(105), nonce)
}

func TestNext_FetchFailureLeavesWindowUnchanged(t *testing.T) {
	fail := true
	source := newFakeNonceSource(5)
	source.fetchFn = func(context.Context, int64, uint8) (int64, error) {
		if fail {
			return 0, errors.New("remote unavailable")
		}
		return 42, nil
	}
	manager := newTestManager(t, 5, source)
	key := KeyId{AccountIndex: 4}

	_, err := manager.Next(context.Background(), key)
	require.Error(t, err)

	// A retry performs a fresh fetch and succeeds with no stale state.
	fail = false
	nonce, err := manager.Next(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(42), nonce)
	assert.Equal(t, int64(2), source.fetches.Load())
}

func TestPreWarm_RemovesFirstUseFetch(t *testing.T) {
	source := newFakeNonceSource(5)
	manager := newTestManager(t, 5, source)
	keys := []KeyId{{AccountIndex: 1}, {AccountIndex: 2, ApiKeyIndex: 3}}

	require.NoError(t, manager.PreWarm(context.Background(), keys))
	assert.Equal(t, int64(2), source.fetches.Load())

	for _, key := range keys {
		_, err := manager.Next(context.Background(), key)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), source.fetches.Load(), "pre-warmed keys must not refetch")

	// Pre-warming again with capacity left is a no-op.
	require.NoError(t, manager.PreWarm(context.Background(), keys))
	assert.Equal(t, int64(2), source.fetches.Load())
}

func TestStats_SnapshotsWithoutMutating(t *testing.T) {
	source := newFakeNonceSource(10)
	manager := newTestManager(t, 10, source)
	key := KeyId{AccountIndex: 9}

	first, err := manager.Next(context.Background(), key)
	require.NoError(t, err)
	_, err = manager.Next(context.Background(), key)
	require.NoError(t, err)
	third, err := manager.Next(context.Background(), key)
	require.NoError(t, err)

	stats := manager.Stats()
	require.Contains(t, stats, key)
	assert.Equal(t, int64(3), stats[key].Issued)
	assert.Equal(t, first, stats[key].Oldest)
	assert.Equal(t, third, stats[key].Newest)
	assert.False(t, stats[key].LastRefill.IsZero())

	// Reading stats must not consume nonces or trigger fetches.
	again := manager.Stats()
	assert.Equal(t, stats[key], again[key])
	assert.Equal(t, int64(1), source.fetches.Load())

	next, err := manager.Next(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, third+1, next)
}
