package main

import (
	"context"
	"github.com/meridian-exchange/signer-go/pkg/apiClient"
	"github.com/meridian-exchange/signer-go/pkg/confirm"
	"github.com/meridian-exchange/signer-go/pkg/logger"
	"github.com/meridian-exchange/signer-go/pkg/nonceManager"
	"github.com/meridian-exchange/signer-go/pkg/signerClient"
	"github.com/meridian-exchange/signer-go/pkg/transmit"
	"github.com/meridian-exchange/signer-go/pkg/txSigner"
	"github.com/shopspring/decimal"
	"time"
)

var (
	baseURL      = "https://testnet-api.meridian.exchange"
	socketURL    = "wss://testnet-api.meridian.exchange/stream/tx"
	privateKey   = "<key>"
	accountIndex = int64(0)
)

func main() {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: true})
	if err != nil {
		panic(err)
	}
	ctx := context.Background()

	api, err := apiClient.NewClient(&apiClient.Config{BaseURL: baseURL}, l)
	if err != nil {
		l.Sugar().Fatalf("Failed to create API client: %v", err)
	}

	signer, err := txSigner.NewPrivateKeySigner(privateKey)
	if err != nil {
		l.Sugar().Fatalf("Failed to create private key signer: %v", err)
	}

	nonces, err := nonceManager.NewNonceManager(nil, api, l)
	if err != nil {
		l.Sugar().Fatalf("Failed to create nonce manager: %v", err)
	}

	tracker, err := confirm.NewTracker(api, l)
	if err != nil {
		l.Sugar().Fatalf("Failed to create confirmation tracker: %v", err)
	}

	direct, err := transmit.NewDirectChannel(api)
	if err != nil {
		l.Sugar().Fatalf("Failed to create direct channel: %v", err)
	}
	channels := []transmit.IChannel{direct}

	socket, err := transmit.NewSocketChannel(&transmit.SocketConfig{URL: socketURL}, l)
	if err != nil {
		l.Sugar().Infow("Socket unavailable, submitting over HTTP only", "error", err)
	} else {
		channels = append([]transmit.IChannel{socket}, channels...)
	}

	client, err := signerClient.NewSignerClient(
		&signerClient.Config{AccountIndex: accountIndex},
		signer, nonces, tracker, channels, l,
	)
	if err != nil {
		l.Sugar().Fatalf("Failed to create signer client: %v", err)
	}

	if err := client.PreWarmNonces(ctx, nil); err != nil {
		l.Sugar().Fatalf("Failed to pre-warm nonce cache: %v", err)
	}

	handle, err := client.Submit(ctx, &signerClient.Request{
		Kind: apiClient.TxTypeCreateOrder,
		CreateOrder: &signerClient.CreateOrderParams{
			MarketIndex: 0,
			BaseAmount:  decimal.RequireFromString("0.001"),
			Price:       decimal.RequireFromString("2500"),
			TimeInForce: signerClient.GoodTillTime,
		},
	})
	if err != nil {
		l.Sugar().Fatalf("Failed to submit order: %v", err)
	}
	l.Sugar().Infow("Submitted order",
		"hash", handle.Hash,
		"channel", handle.Channel,
		"nonce", handle.Nonce,
	)

	record, err := client.AwaitConfirmation(ctx, handle.Hash, &confirm.WaitOpts{
		MaxWaitTime:  time.Minute,
		PollInterval: time.Second,
	})
	if err != nil {
		l.Sugar().Fatalf("Confirmation failed: %v", err)
	}
	l.Sugar().Infow("Transaction confirmed",
		"status", record.Status.String(),
		"blockHeight", record.BlockHeight,
	)

	cancel, err := client.Submit(ctx, &signerClient.Request{
		Kind: apiClient.TxTypeCancelAllOrders,
		CancelAll: &signerClient.CancelAllParams{},
	})
	if err != nil {
		l.Sugar().Fatalf("Failed to submit cancel-all: %v", err)
	}
	l.Sugar().Infow("Submitted cancel-all", "hash", cancel.Hash)

	for key, stats := range client.CacheStats() {
		l.Sugar().Infow("Nonce cache state",
			"key", key.String(),
			"issued", stats.Issued,
			"newest", stats.Newest,
		)
	}
}
