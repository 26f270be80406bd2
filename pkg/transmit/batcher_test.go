package transmit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

// fakeBatchSender records every flush and answers with per-item hashes. The
// optional gate blocks the flush call until released, and itemErrs/envelopeErr
// inject failures.
type fakeBatchSender struct {
	mu          sync.Mutex
	batches     [][]string
	gate        chan struct{}
	entered     chan struct{}
	itemErrs    map[string]error
	envelopeErr error
	calls       atomic.Int64
}

func (f *fakeBatchSender) SendTxBatch(ctx context.Context, txTypes []apiClient.TxType, txInfos []string) ([]string, []error, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if f.envelopeErr != nil {
		return nil, nil, f.envelopeErr
	}

	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), txInfos...))
	f.mu.Unlock()

	hashes := make([]string, len(txInfos))
	itemErrs := make([]error, len(txInfos))
	for i, info := range txInfos {
		if err, ok := f.itemErrs[info]; ok {
			itemErrs[i] = err
			continue
		}
		hashes[i] = "0x" + info
	}
	return hashes, itemErrs, nil
}

func newTestBatcher(t *testing.T, cfg *BatcherConfig, sender IBatchSender) *Batcher {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	b, err := NewBatcher(cfg, sender, logger)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	sender := &fakeBatchSender{}
	b := newTestBatcher(t, &BatcherConfig{
		MaxBatchSize:  3,
		FlushInterval: time.Hour, // only the size trigger may fire
	}, sender)

	var results [3]<-chan Result
	for i := range results {
		ch, err := b.AddRequest(apiClient.TxTypeCreateOrder, fmt.Sprintf("tx%d", i))
		require.NoError(t, err)
		results[i] = ch
	}

	for i, ch := range results {
		select {
		case res := <-ch:
			require.NoError(t, res.Err)
			assert.Equal(t, fmt.Sprintf("0xtx%d", i), res.Hash)
			assert.False(t, res.At.IsZero())
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d never resolved", i)
		}
	}
	assert.Equal(t, int64(1), sender.calls.Load(), "a full batch flushes exactly once")
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	sender := &fakeBatchSender{}
	b := newTestBatcher(t, &BatcherConfig{
		MaxBatchSize:  100,
		FlushInterval: 20 * time.Millisecond,
	}, sender)

	ch, err := b.AddRequest(apiClient.TxTypeCancelOrder, "lonely")
	require.NoError(t, err)

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.Equal(t, "0xlonely", res.Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("interval flush never delivered the result")
	}
}

func TestBatcher_PartialFailureIsPerItem(t *testing.T) {
	rejected := &apiClient.APIError{Code: 400, Message: "invalid nonce"}
	sender := &fakeBatchSender{itemErrs: map[string]error{"bad": rejected}}
	b := newTestBatcher(t, &BatcherConfig{
		MaxBatchSize:  3,
		FlushInterval: time.Hour,
	}, sender)

	goodCh, err := b.AddRequest(apiClient.TxTypeCreateOrder, "good")
	require.NoError(t, err)
	badCh, err := b.AddRequest(apiClient.TxTypeCreateOrder, "bad")
	require.NoError(t, err)
	otherCh, err := b.AddRequest(apiClient.TxTypeCreateOrder, "other")
	require.NoError(t, err)

	good := <-goodCh
	require.NoError(t, good.Err)
	assert.Equal(t, "0xgood", good.Hash)

	bad := <-badCh
	require.Error(t, bad.Err)
	apiErr := new(apiClient.APIError)
	require.ErrorAs(t, bad.Err, &apiErr)
	assert.Equal(t, int32(400), apiErr.Code)

	other := <-otherCh
	require.NoError(t, other.Err, "a failing sibling must not fail this item")
	assert.Equal(t, "0xother", other.Hash)
}

func TestBatcher_EnvelopeFailureFailsWholeFlush(t *testing.T) {
	sender := &fakeBatchSender{envelopeErr: errors.New("endpoint down")}
	b := newTestBatcher(t, &BatcherConfig{
		MaxBatchSize:  2,
		FlushInterval: time.Hour,
	}, sender)

	first, err := b.AddRequest(apiClient.TxTypeCreateOrder, "a")
	require.NoError(t, err)
	second, err := b.AddRequest(apiClient.TxTypeCreateOrder, "b")
	require.NoError(t, err)

	for _, ch := range []<-chan Result{first, second} {
		res := <-ch
		assert.ErrorContains(t, res.Err, "endpoint down")
	}
}

func TestBatcher_ConcurrentAddDuringFlushStartsNextBatch(t *testing.T) {
	sender := &fakeBatchSender{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	b := newTestBatcher(t, &BatcherConfig{
		MaxBatchSize:  1,
		FlushInterval: 10 * time.Millisecond,
		MaxWaitTime:   5 * time.Second,
	}, sender)

	firstCh, err := b.AddRequest(apiClient.TxTypeCreateOrder, "first")
	require.NoError(t, err)
	<-sender.entered // the flush is now in flight and holding no lock

	lateCh, err := b.AddRequest(apiClient.TxTypeCreateOrder, "late")
	require.NoError(t, err)

	close(sender.gate)

	first := <-firstCh
	require.NoError(t, first.Err)
	assert.Equal(t, "0xfirst", first.Hash)

	select {
	case late := <-lateCh:
		require.NoError(t, late.Err)
		assert.Equal(t, "0xlate", late.Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("request enqueued during a flush was lost")
	}

	<-sender.entered
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.batches, 2)
	assert.Equal(t, []string{"first"}, sender.batches[0])
	assert.Equal(t, []string{"late"}, sender.batches[1])
}

func TestBatcher_SubmitResolvesLikeAChannel(t *testing.T) {
	sender := &fakeBatchSender{}
	b := newTestBatcher(t, &BatcherConfig{
		MaxBatchSize:  1,
		FlushInterval: time.Hour,
	}, sender)

	assert.Equal(t, "batch-http", b.Name())
	assert.True(t, b.Ready())

	hash, err := b.Submit(context.Background(), apiClient.TxTypeTransfer, "xfer")
	require.NoError(t, err)
	assert.Equal(t, "0xxfer", hash)
}

func TestBatcher_CloseFlushesRemainingAndRejectsNew(t *testing.T) {
	sender := &fakeBatchSender{}
	logger, _ := zap.NewDevelopment()
	b, err := NewBatcher(&BatcherConfig{
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
	}, sender, logger)
	require.NoError(t, err)

	ch, err := b.AddRequest(apiClient.TxTypeWithdraw, "pending")
	require.NoError(t, err)

	b.Close()

	res := <-ch
	require.NoError(t, res.Err)
	assert.Equal(t, "0xpending", res.Hash)

	assert.False(t, b.Ready())
	_, err = b.AddRequest(apiClient.TxTypeWithdraw, "after close")
	assert.ErrorIs(t, err, ErrBatcherClosed)
}

func TestDirectChannel_PassesThrough(t *testing.T) {
	sender := &fakeTxSender{hash: "0xdirect"}
	channel, err := NewDirectChannel(sender)
	require.NoError(t, err)

	assert.Equal(t, "direct-http", channel.Name())
	assert.True(t, channel.Ready())

	hash, err := channel.Submit(context.Background(), apiClient.TxTypeCreateOrder, "payload")
	require.NoError(t, err)
	assert.Equal(t, "0xdirect", hash)
	assert.Equal(t, "payload", sender.lastInfo)
}

type fakeTxSender struct {
	hash     string
	err      error
	lastInfo string
}

func (f *fakeTxSender) SendTx(_ context.Context, _ apiClient.TxType, txInfo string) (string, error) {
	f.lastInfo = txInfo
	return f.hash, f.err
}
