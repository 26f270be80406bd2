// Package transmit provides the transmission channels a signed transaction
// can travel over: a persistent websocket, a coalescing batcher over the
// batched HTTP endpoint, and the plain HTTP endpoint. Channels share one
// interface so the submission core can try them in order with fallback.
package transmit

import (
	"context"
	"fmt"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

// IChannel is one way of getting a signed transaction to the exchange.
type IChannel interface {
	// Name identifies the channel in logs and submission results.
	Name() string

	// Ready reports whether the channel can currently accept a submission.
	// A channel that is not ready is skipped by the router without error.
	Ready() bool

	// Submit transmits one signed payload and returns the transaction hash
	// acknowledged by the exchange. The same payload may be re-submitted on
	// another channel if this one fails; Submit must not alter it.
	Submit(ctx context.Context, txType apiClient.TxType, txInfo string) (string, error)
}

// ITxSender is the subset of the REST client the direct channel needs.
type ITxSender interface {
	SendTx(ctx context.Context, txType apiClient.TxType, txInfo string) (string, error)
}

// DirectChannel submits one transaction per synchronous HTTP call. It is the
// fallback of last resort and is always ready.
type DirectChannel struct {
	sender ITxSender
}

// NewDirectChannel creates a DirectChannel over the given sender.
func NewDirectChannel(sender ITxSender) (*DirectChannel, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	return &DirectChannel{sender: sender}, nil
}

func (d *DirectChannel) Name() string { return "direct-http" }

func (d *DirectChannel) Ready() bool { return true }

func (d *DirectChannel) Submit(ctx context.Context, txType apiClient.TxType, txInfo string) (string, error) {
	return d.sender.SendTx(ctx, txType, txInfo)
}
