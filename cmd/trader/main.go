package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
	"github.com/meridian-exchange/signer-go/pkg/confirm"
	"github.com/meridian-exchange/signer-go/pkg/logger"
	"github.com/meridian-exchange/signer-go/pkg/nonceManager"
	"github.com/meridian-exchange/signer-go/pkg/signerClient"
	"github.com/meridian-exchange/signer-go/pkg/transmit"
	"github.com/meridian-exchange/signer-go/pkg/txSigner"
)

func main() {
	app := &cli.App{
		Name:  "trader",
		Usage: "Meridian exchange transaction submission client",
		Description: `The trader CLI signs and submits exchange transactions and tracks them to a
terminal status. It supports direct private key signing as well as AWS KMS and
AWS Secrets Manager backed keys, and submits over the websocket, batching and
direct HTTP transmission channels with automatic fallback.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:     "base-url",
				Aliases:  []string{"u"},
				Usage:    "Exchange REST API base URL",
				Required: true,
				EnvVars:  []string{"MERIDIAN_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "socket-url",
				Usage:   "Exchange websocket submission endpoint (enables the socket channel)",
				EnvVars: []string{"MERIDIAN_SOCKET_URL"},
			},
			&cli.BoolFlag{
				Name:    "batching",
				Usage:   "Enable the batching transmission channel ahead of direct HTTP",
				EnvVars: []string{"MERIDIAN_BATCHING"},
			},
			&cli.Int64Flag{
				Name:     "account-index",
				Aliases:  []string{"a"},
				Usage:    "Exchange account index to submit under",
				Required: true,
				EnvVars:  []string{"MERIDIAN_ACCOUNT_INDEX"},
			},
			&cli.UintFlag{
				Name:    "api-key-index",
				Usage:   "API key slot of the signing key within the account",
				EnvVars: []string{"MERIDIAN_API_KEY_INDEX"},
			},
			// Transaction signing options
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "Private key for transaction signing (hex format, with or without 0x prefix)",
				EnvVars: []string{"MERIDIAN_PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "aws-kms-key-id",
				Usage:   "AWS KMS key ID for transaction signing",
				EnvVars: []string{"MERIDIAN_AWS_KMS_KEY_ID"},
			},
			&cli.StringFlag{
				Name:    "aws-secret-name",
				Usage:   "AWS Secrets Manager secret name containing the signing key",
				EnvVars: []string{"MERIDIAN_AWS_SECRET_NAME"},
			},
			&cli.StringFlag{
				Name:    "aws-region",
				Usage:   "AWS region for the KMS key or secret",
				Value:   "us-east-1",
				EnvVars: []string{"MERIDIAN_AWS_REGION"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:    "submit-order",
				Aliases: []string{"o"},
				Usage:   "Sign and submit a create-order transaction",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "market-index",
						Aliases:  []string{"m"},
						Usage:    "Market to place the order on",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "amount",
						Usage:    "Base amount in human units (e.g. '1.5')",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "price",
						Usage: "Limit price in human units (omit for market orders)",
					},
					&cli.BoolFlag{
						Name:  "ask",
						Usage: "Sell instead of buy",
					},
					&cli.BoolFlag{
						Name:  "market",
						Usage: "Place a market order instead of a limit order",
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Wait for the transaction to reach a terminal status",
					},
				},
				Action: submitOrderAction,
			},
			{
				Name:    "cancel-order",
				Aliases: []string{"c"},
				Usage:   "Sign and submit a cancel-order transaction",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "market-index",
						Aliases:  []string{"m"},
						Usage:    "Market the order rests on",
						Required: true,
					},
					&cli.Int64Flag{
						Name:     "order-index",
						Usage:    "Index of the resting order to cancel",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Wait for the transaction to reach a terminal status",
					},
				},
				Action: cancelOrderAction,
			},
			{
				Name:  "status",
				Usage: "Track a submitted transaction to a terminal status",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "hash",
						Usage:    "Transaction hash to track",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "max-wait",
						Usage: "How long to poll before giving up",
						Value: confirm.DefaultMaxWaitTime,
					},
				},
				Action: statusAction,
			},
			{
				Name:   "nonces",
				Usage:  "Pre-warm the nonce cache and display its per-key state",
				Action: noncesAction,
			},
		},
		Before: validateFlags,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validateFlags(c *cli.Context) error {
	signingOptions := 0
	if c.String("private-key") != "" {
		signingOptions++
	}
	if c.String("aws-kms-key-id") != "" {
		signingOptions++
	}
	if c.String("aws-secret-name") != "" {
		signingOptions++
	}

	if signingOptions == 0 {
		return fmt.Errorf("must specify one of: --private-key, --aws-kms-key-id, or --aws-secret-name for transaction signing")
	}
	if signingOptions > 1 {
		return fmt.Errorf("can only specify one transaction signing option")
	}

	if c.Uint("api-key-index") > 255 {
		return fmt.Errorf("api key index must fit in one byte, got %d", c.Uint("api-key-index"))
	}

	return nil
}

func setupLogger(c *cli.Context) (*zap.Logger, error) {
	return logger.NewLogger(&logger.LoggerConfig{
		Debug: c.Bool("debug"),
	})
}

func setupSigner(c *cli.Context) (txSigner.ITransactionSigner, error) {
	if privateKey := c.String("private-key"); privateKey != "" {
		return txSigner.NewPrivateKeySigner(privateKey)
	}

	if kmsKeyID := c.String("aws-kms-key-id"); kmsKeyID != "" {
		return txSigner.NewAWSKMSSigner(kmsKeyID, c.String("aws-region"))
	}

	if secretName := c.String("aws-secret-name"); secretName != "" {
		return txSigner.NewPrivateKeySignerFromAWSSecret(secretName, c.String("aws-region"))
	}

	return nil, fmt.Errorf("no transaction signing method configured")
}

func setupChannels(c *cli.Context, api *apiClient.Client, l *zap.Logger) ([]transmit.IChannel, error) {
	var channels []transmit.IChannel

	if socketURL := c.String("socket-url"); socketURL != "" {
		socket, err := transmit.NewSocketChannel(&transmit.SocketConfig{URL: socketURL}, l)
		if err != nil {
			return nil, fmt.Errorf("failed to connect socket channel: %w", err)
		}
		channels = append(channels, socket)
	}

	if c.Bool("batching") {
		batcher, err := transmit.NewBatcher(nil, api, l)
		if err != nil {
			return nil, fmt.Errorf("failed to create batching channel: %w", err)
		}
		channels = append(channels, batcher)
	}

	direct, err := transmit.NewDirectChannel(api)
	if err != nil {
		return nil, fmt.Errorf("failed to create direct channel: %w", err)
	}
	channels = append(channels, direct)

	return channels, nil
}

func setupClient(c *cli.Context, l *zap.Logger) (*signerClient.SignerClient, error) {
	api, err := apiClient.NewClient(&apiClient.Config{BaseURL: c.String("base-url")}, l)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	signer, err := setupSigner(c)
	if err != nil {
		return nil, fmt.Errorf("failed to setup transaction signer: %w", err)
	}

	nonces, err := nonceManager.NewNonceManager(nil, api, l)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce manager: %w", err)
	}

	tracker, err := confirm.NewTracker(api, l)
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmation tracker: %w", err)
	}

	channels, err := setupChannels(c, api, l)
	if err != nil {
		return nil, err
	}

	return signerClient.NewSignerClient(
		&signerClient.Config{
			AccountIndex: c.Int64("account-index"),
			ApiKeyIndex:  uint8(c.Uint("api-key-index")),
		},
		signer, nonces, tracker, channels, l,
	)
}

func submitOrderAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	client, err := setupClient(c, l)
	if err != nil {
		return err
	}

	amount, err := decimal.NewFromString(c.String("amount"))
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", c.String("amount"), err)
	}

	params := &signerClient.CreateOrderParams{
		MarketIndex: uint8(c.Uint("market-index")),
		BaseAmount:  amount,
		IsAsk:       c.Bool("ask"),
	}
	if c.Bool("market") {
		params.Type = signerClient.OrderTypeMarket
	} else {
		price, err := decimal.NewFromString(c.String("price"))
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", c.String("price"), err)
		}
		params.Price = price
		params.TimeInForce = signerClient.GoodTillTime
	}

	ctx := context.Background()
	handle, err := client.Submit(ctx, &signerClient.Request{
		Kind:        apiClient.TxTypeCreateOrder,
		CreateOrder: params,
	})
	if err != nil {
		return fmt.Errorf("failed to submit order: %w", err)
	}

	l.Sugar().Infow("Order submitted",
		"hash", handle.Hash,
		"channel", handle.Channel,
		"nonce", handle.Nonce,
	)
	fmt.Printf("Transaction Hash: %s\n", handle.Hash)

	if c.Bool("wait") {
		return awaitAndPrint(ctx, client, handle.Hash, nil)
	}
	return nil
}

func cancelOrderAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	client, err := setupClient(c, l)
	if err != nil {
		return err
	}

	ctx := context.Background()
	handle, err := client.Submit(ctx, &signerClient.Request{
		Kind: apiClient.TxTypeCancelOrder,
		CancelOrder: &signerClient.CancelOrderParams{
			MarketIndex: uint8(c.Uint("market-index")),
			OrderIndex:  c.Int64("order-index"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to submit cancel: %w", err)
	}

	l.Sugar().Infow("Cancel submitted",
		"hash", handle.Hash,
		"channel", handle.Channel,
		"nonce", handle.Nonce,
	)
	fmt.Printf("Transaction Hash: %s\n", handle.Hash)

	if c.Bool("wait") {
		return awaitAndPrint(ctx, client, handle.Hash, nil)
	}
	return nil
}

func statusAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	client, err := setupClient(c, l)
	if err != nil {
		return err
	}

	return awaitAndPrint(context.Background(), client, c.String("hash"), &confirm.WaitOpts{
		MaxWaitTime: c.Duration("max-wait"),
	})
}

func noncesAction(c *cli.Context) error {
	l, err := setupLogger(c)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	client, err := setupClient(c, l)
	if err != nil {
		return err
	}

	if err := client.PreWarmNonces(context.Background(), nil); err != nil {
		return fmt.Errorf("failed to pre-warm nonce cache: %w", err)
	}

	stats := client.CacheStats()
	fmt.Printf("Nonce cache state (%d keys):\n", len(stats))
	for key, s := range stats {
		fmt.Printf("  [%s] issued: %d, oldest: %d, newest: %d, last refill: %s\n",
			key, s.Issued, s.Oldest, s.Newest, s.LastRefill.Format(time.RFC3339))
	}
	return nil
}

func awaitAndPrint(ctx context.Context, client *signerClient.SignerClient, hash string, opts *confirm.WaitOpts) error {
	record, err := client.AwaitConfirmation(ctx, hash, opts)
	if err != nil {
		return fmt.Errorf("confirmation failed: %w", err)
	}

	fmt.Printf("Status: %s\n", record.Status)
	fmt.Printf("Block Height: %d\n", record.BlockHeight)
	if record.CommittedAt != 0 {
		fmt.Printf("Committed At: %s\n", time.UnixMilli(record.CommittedAt).Format(time.RFC3339))
	}
	return nil
}
