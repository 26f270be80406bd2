package transmit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
	"github.com/meridian-exchange/signer-go/pkg/util"
)

const (
	DefaultMaxBatchSize  = 16
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultMaxWaitTime   = 2 * time.Second
)

// ErrBatcherClosed is returned for requests enqueued after Close.
var ErrBatcherClosed = errors.New("batcher is closed")

// IBatchSender is the subset of the REST client the batcher flushes through.
type IBatchSender interface {
	SendTxBatch(ctx context.Context, txTypes []apiClient.TxType, txInfos []string) ([]string, []error, error)
}

// BatcherConfig holds the configuration for a Batcher.
type BatcherConfig struct {
	// MaxBatchSize triggers an immediate flush when the queue reaches it.
	MaxBatchSize int
	// FlushInterval is how often a non-empty queue is flushed regardless of size.
	FlushInterval time.Duration
	// MaxWaitTime bounds the flush network call; items in a flush that
	// exceeds it receive a timeout error instead of hanging.
	MaxWaitTime time.Duration
}

// Result is the per-request outcome of a flushed batch item.
type Result struct {
	Hash string
	Err  error
	At   time.Time
}

// pendingRequest is one enqueued submission awaiting its slot in a batch
// response. The done channel is buffered so delivery never blocks the flush.
type pendingRequest struct {
	id         string
	txType     apiClient.TxType
	txInfo     string
	enqueuedAt time.Time
	done       chan Result
}

// Batcher coalesces individually submitted transactions arriving within a
// short window into single batched calls. It implements IChannel; Submit
// enqueues and waits for that request's individual result. Concurrent
// enqueues during a flush are collected into the next batch, never dropped.
type Batcher struct {
	config *BatcherConfig
	sender IBatchSender
	logger *zap.Logger

	mu    sync.Mutex
	queue []*pendingRequest

	flushNow chan struct{}
	closed   chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// NewBatcher creates a Batcher and starts its flush loop.
func NewBatcher(cfg *BatcherConfig, sender IBatchSender, logger *zap.Logger) (*Batcher, error) {
	if sender == nil {
		return nil, fmt.Errorf("batch sender is required")
	}
	if cfg == nil {
		cfg = &BatcherConfig{}
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = DefaultMaxWaitTime
	}

	b := &Batcher{
		config:   cfg,
		sender:   sender,
		logger:   logger,
		flushNow: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.flushLoop()
	return b, nil
}

func (b *Batcher) Name() string { return "batch-http" }

// Ready reports whether the batcher is accepting requests.
func (b *Batcher) Ready() bool {
	select {
	case <-b.closed:
		return false
	default:
		return true
	}
}

// Submit enqueues one signed payload and blocks until its slot in a batch
// response arrives, the context is cancelled, or the batcher closes.
func (b *Batcher) Submit(ctx context.Context, txType apiClient.TxType, txInfo string) (string, error) {
	pending, err := b.AddRequest(txType, txInfo)
	if err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-pending:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Hash, nil
	}
}

// AddRequest enqueues one signed payload and returns the channel its
// individual result will be delivered on. Exactly one Result is delivered
// per enqueued request.
func (b *Batcher) AddRequest(txType apiClient.TxType, txInfo string) (<-chan Result, error) {
	if !b.Ready() {
		return nil, ErrBatcherClosed
	}

	req := &pendingRequest{
		id:         uuid.NewString(),
		txType:     txType,
		txInfo:     txInfo,
		enqueuedAt: time.Now(),
		done:       make(chan Result, 1),
	}

	b.mu.Lock()
	b.queue = append(b.queue, req)
	full := len(b.queue) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushNow <- struct{}{}:
		default:
		}
	}
	return req.done, nil
}

// Close stops the flush loop after flushing any remaining queued requests.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.wg.Wait()
	})
}

func (b *Batcher) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closed:
			b.flush()
			return
		case <-b.flushNow:
			b.flush()
		case <-ticker.C:
			b.flush()
		}
	}
}

// flush takes the current queue and submits it as one batch. The queue is
// swapped out under the lock before the network call so concurrent
// AddRequest calls start the next batch.
func (b *Batcher) flush() {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	txTypes := util.Map(batch, func(r *pendingRequest, _ uint64) apiClient.TxType { return r.txType })
	txInfos := util.Map(batch, func(r *pendingRequest, _ uint64) string { return r.txInfo })

	ctx, cancel := context.WithTimeout(context.Background(), b.config.MaxWaitTime)
	defer cancel()

	hashes, itemErrs, err := b.sender.SendTxBatch(ctx, txTypes, txInfos)
	now := time.Now()
	if err != nil {
		b.logger.Warn("batch flush failed",
			zap.Int("size", len(batch)),
			zap.Error(err),
		)
		for _, req := range batch {
			req.done <- Result{Err: err, At: now}
		}
		return
	}

	for i, req := range batch {
		if itemErrs[i] != nil {
			req.done <- Result{Err: itemErrs[i], At: now}
			continue
		}
		req.done <- Result{Hash: hashes[i], At: now}
	}

	b.logger.Debug("flushed batch",
		zap.Int("size", len(batch)),
		zap.Duration("oldest", now.Sub(batch[0].enqueuedAt)),
	)
}
