// Package signerClient is the submission and confirmation orchestrator. It
// composes the nonce cache, the transaction signer and the ordered
// transmission channels: a submission resolves a nonce, signs once, then
// walks the channel list with fallback; the returned handle can be passed to
// AwaitConfirmation to track the transaction to a terminal status.
package signerClient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
	"github.com/meridian-exchange/signer-go/pkg/confirm"
	"github.com/meridian-exchange/signer-go/pkg/nonceManager"
	"github.com/meridian-exchange/signer-go/pkg/transmit"
	"github.com/meridian-exchange/signer-go/pkg/txSigner"
)

// Config holds the identity the client submits under.
type Config struct {
	// AccountIndex is the exchange account the signing key belongs to.
	AccountIndex int64
	// ApiKeyIndex is the key slot of the signing key within the account.
	ApiKeyIndex uint8
}

// TxHandle is what a caller needs to track a submitted transaction.
type TxHandle struct {
	Hash        string
	TxType      apiClient.TxType
	Nonce       int64
	SignedTx    string
	Channel     string
	SubmittedAt time.Time
}

// SignerClient orchestrates submission and confirmation. All collaborators
// are constructor-injected; there is no process-wide signer state.
type SignerClient struct {
	config   *Config
	logger   *zap.Logger
	signer   txSigner.ITransactionSigner
	nonces   *nonceManager.NonceManager
	tracker  *confirm.Tracker
	channels []transmit.IChannel
}

// NewSignerClient creates the orchestrator. Channels are tried in the given
// order on every submission; at least one is required.
func NewSignerClient(
	cfg *Config,
	signer txSigner.ITransactionSigner,
	nonces *nonceManager.NonceManager,
	tracker *confirm.Tracker,
	channels []transmit.IChannel,
	logger *zap.Logger,
) (*SignerClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("transaction signer is required")
	}
	if nonces == nil {
		return nil, fmt.Errorf("nonce manager is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("confirmation tracker is required")
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one transmission channel is required")
	}

	return &SignerClient{
		config:   cfg,
		logger:   logger,
		signer:   signer,
		nonces:   nonces,
		tracker:  tracker,
		channels: channels,
	}, nil
}

// KeyId returns the signing key identity the client allocates nonces for.
func (s *SignerClient) KeyId() nonceManager.KeyId {
	return nonceManager.KeyId{
		AccountIndex: s.config.AccountIndex,
		ApiKeyIndex:  s.config.ApiKeyIndex,
	}
}

// Submit materializes, signs and transmits one request. Exactly one nonce is
// consumed per call regardless of how many channels are attempted: the signed
// payload is bound to its nonce once and the same payload is retried across
// channels. A signing failure is fatal for the submission and is not retried.
func (s *SignerClient) Submit(ctx context.Context, req *Request) (*TxHandle, error) {
	txType, txInfo, err := req.materialize(time.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid %s request: %w", req.Kind, err)
	}

	var nonce int64
	if req.NonceOverride != nil {
		nonce = *req.NonceOverride
	} else {
		nonce, err = s.nonces.Next(ctx, s.KeyId())
		if err != nil {
			return nil, fmt.Errorf("failed to resolve nonce: %w", err)
		}
	}

	signedTx, err := s.signer.SignTx(ctx, txType, txInfo, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s transaction: %w", txType, err)
	}

	var channelErrs []error
	for _, channel := range s.channels {
		if !channel.Ready() {
			s.logger.Debug("skipping transmission channel",
				zap.String("channel", channel.Name()),
				zap.String("txType", txType.String()),
			)
			continue
		}

		hash, err := channel.Submit(ctx, txType, signedTx)
		if err != nil {
			s.logger.Warn("transmission channel failed, falling through",
				zap.String("channel", channel.Name()),
				zap.String("txType", txType.String()),
				zap.Int64("nonce", nonce),
				zap.Error(err),
			)
			channelErrs = append(channelErrs, fmt.Errorf("%s: %w", channel.Name(), err))
			continue
		}

		s.logger.Info("transaction submitted",
			zap.String("hash", hash),
			zap.String("channel", channel.Name()),
			zap.String("txType", txType.String()),
			zap.Int64("nonce", nonce),
		)
		return &TxHandle{
			Hash:        hash,
			TxType:      txType,
			Nonce:       nonce,
			SignedTx:    signedTx,
			Channel:     channel.Name(),
			SubmittedAt: time.Now(),
		}, nil
	}

	if len(channelErrs) == 0 {
		return nil, fmt.Errorf("no transmission channel is ready")
	}
	return nil, fmt.Errorf("all transmission channels failed: %w", errors.Join(channelErrs...))
}

// AwaitConfirmation tracks a submitted transaction to a terminal status. See
// confirm.Tracker.Await for outcome semantics.
func (s *SignerClient) AwaitConfirmation(ctx context.Context, hash string, opts *confirm.WaitOpts) (*apiClient.TransactionRecord, error) {
	return s.tracker.Await(ctx, hash, opts)
}

// PreWarmNonces eagerly fills the nonce windows for the given keys, or for
// the client's own key when none are given.
func (s *SignerClient) PreWarmNonces(ctx context.Context, keys []nonceManager.KeyId) error {
	if len(keys) == 0 {
		keys = []nonceManager.KeyId{s.KeyId()}
	}
	return s.nonces.PreWarm(ctx, keys)
}

// CacheStats returns the per-key nonce window snapshot.
func (s *SignerClient) CacheStats() map[nonceManager.KeyId]nonceManager.KeyStats {
	return s.nonces.Stats()
}

// CreateAuthToken signs a bearer token for authenticated read endpoints.
func (s *SignerClient) CreateAuthToken(deadline time.Time) (string, error) {
	return s.signer.CreateAuthToken(deadline)
}
