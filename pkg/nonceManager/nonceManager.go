// Package nonceManager hands out unique, strictly increasing nonces per
// signing key with a minimum of round trips to the exchange. Each key owns a
// local window of pre-allocated consecutive nonces; the remote next-nonce
// endpoint is only consulted when a window is exhausted. Windows for
// different keys are fully independent: a slow refill on one key never
// blocks callers on another.
package nonceManager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRefillSize is the number of consecutive nonces claimed per remote
// fetch when no explicit size is configured.
const DefaultRefillSize = 20

// KeyId identifies one independent nonce sequence: an account plus the index
// of one of its API signing keys. Two distinct KeyIds never share state.
type KeyId struct {
	AccountIndex int64
	ApiKeyIndex  uint8
}

func (k KeyId) String() string {
	return fmt.Sprintf("%d/%d", k.AccountIndex, k.ApiKeyIndex)
}

// INonceSource is the remote next-nonce lookup the manager refills from.
type INonceSource interface {
	// NextNonce returns the next unused nonce for the key as known server-side.
	NextNonce(ctx context.Context, accountIndex int64, apiKeyIndex uint8) (int64, error)
}

// Config holds the configuration for a NonceManager.
type Config struct {
	// RefillSize is the number of consecutive nonces claimed per remote fetch.
	RefillSize int64
}

// KeyStats is a read-only snapshot of one key's window, for observability.
type KeyStats struct {
	// Issued is the number of nonces handed out since the last refill.
	Issued int64
	// Oldest and Newest are the first and last nonce issued from the current
	// window; both are zero until the first issue after a refill.
	Oldest int64
	Newest int64
	// LastRefill is when the current window was installed.
	LastRefill time.Time
	// LastIssued is when the most recent nonce was handed out.
	LastIssued time.Time
}

// window is the per-key allocation state. All fields are guarded by mu, which
// is scoped to the key so unrelated keys never contend.
type window struct {
	mu sync.Mutex

	next int64 // next nonce to hand out
	end  int64 // exclusive upper bound of the window; next == end means exhausted

	issued     int64
	oldest     int64
	newest     int64
	lastRefill time.Time
	lastIssued time.Time
}

// NonceManager implements the local nonce cache over a remote nonce source.
// It is safe for concurrent use by multiple goroutines.
type NonceManager struct {
	source  INonceSource
	refill  int64
	logger  *zap.Logger
	windows sync.Map // map[KeyId]*window
}

// NewNonceManager creates a NonceManager refilling from the given source.
func NewNonceManager(cfg *Config, source INonceSource, logger *zap.Logger) (*NonceManager, error) {
	if source == nil {
		return nil, fmt.Errorf("nonce source is required")
	}
	refill := int64(DefaultRefillSize)
	if cfg != nil && cfg.RefillSize > 0 {
		refill = cfg.RefillSize
	}
	return &NonceManager{
		source: source,
		refill: refill,
		logger: logger,
	}, nil
}

func (m *NonceManager) windowFor(key KeyId) *window {
	if w, ok := m.windows.Load(key); ok {
		return w.(*window)
	}
	w, _ := m.windows.LoadOrStore(key, &window{})
	return w.(*window)
}

// Next returns the next unused nonce for the key, refilling from the remote
// source if the local window is exhausted. On a refill failure the window is
// left unchanged and the error is returned; a retry performs a fresh fetch.
func (m *NonceManager) Next(ctx context.Context, key KeyId) (int64, error) {
	w := m.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.next >= w.end {
		if err := m.refillLocked(ctx, key, w); err != nil {
			return 0, err
		}
	}

	nonce := w.next
	w.next++
	w.issued++
	if w.issued == 1 {
		w.oldest = nonce
	}
	w.newest = nonce
	w.lastIssued = time.Now()
	return nonce, nil
}

// refillLocked installs a fresh window of m.refill consecutive nonces. The
// caller must hold w.mu. If the remote base has fallen behind what was already
// issued locally (server restart, another process sharing the key), the
// higher of the two is adopted so a nonce is never handed out twice.
func (m *NonceManager) refillLocked(ctx context.Context, key KeyId, w *window) error {
	base, err := m.source.NextNonce(ctx, key.AccountIndex, key.ApiKeyIndex)
	if err != nil {
		return fmt.Errorf("failed to refill nonce window for key %s: %w", key, err)
	}

	if w.end > 0 && base < w.next {
		m.logger.Warn("remote nonce behind locally issued nonce, reconciling",
			zap.String("key", key.String()),
			zap.Int64("remote", base),
			zap.Int64("localNext", w.next),
		)
		base = w.next
	}

	w.next = base
	w.end = base + m.refill
	w.issued = 0
	w.oldest = 0
	w.newest = 0
	w.lastRefill = time.Now()

	m.logger.Debug("installed nonce window",
		zap.String("key", key.String()),
		zap.Int64("base", base),
		zap.Int64("size", m.refill),
	)
	return nil
}

// PreWarm eagerly refills the window for each key so the first Next call does
// not pay the remote round trip. Keys that already have capacity are skipped.
func (m *NonceManager) PreWarm(ctx context.Context, keys []KeyId) error {
	for _, key := range keys {
		w := m.windowFor(key)
		w.mu.Lock()
		var err error
		if w.next >= w.end {
			err = m.refillLocked(ctx, key, w)
		}
		w.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to pre-warm key %s: %w", key, err)
		}
	}
	return nil
}

// Stats returns a read-only snapshot of every key's window. It does not
// mutate any allocation state.
func (m *NonceManager) Stats() map[KeyId]KeyStats {
	stats := make(map[KeyId]KeyStats)
	m.windows.Range(func(k, v any) bool {
		key := k.(KeyId)
		w := v.(*window)
		w.mu.Lock()
		stats[key] = KeyStats{
			Issued:     w.issued,
			Oldest:     w.oldest,
			Newest:     w.newest,
			LastRefill: w.lastRefill,
			LastIssued: w.lastIssued,
		}
		w.mu.Unlock()
		return true
	})
	return stats
}
