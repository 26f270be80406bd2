package txSigner

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

// PrivateKeySigner implements ITransactionSigner using an in-memory
// secp256k1 private key. Suitable for development and low-stakes deployments;
// for production key custody see AWSKMSSigner.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  string
}

// NewPrivateKeySigner creates a PrivateKeySigner from a hex-encoded private key.
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &PrivateKeySigner{
		privateKey: privateKey,
		publicKey:  hex.EncodeToString(crypto.CompressPubkey(&privateKey.PublicKey)),
	}, nil
}

// NewPrivateKeySignerFromAWSSecret creates a PrivateKeySigner whose key is
// loaded from AWS Secrets Manager. The secret string must hold the
// hex-encoded private key.
func NewPrivateKeySignerFromAWSSecret(secretName, region string) (*PrivateKeySigner, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	svc := secretsmanager.New(sess)
	result, err := svc.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretName),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", secretName, err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret string is nil")
	}

	return NewPrivateKeySigner(strings.TrimSpace(*result.SecretString))
}

// SignTx signs the transaction digest with the in-memory key and returns the
// signed payload envelope.
func (p *PrivateKeySigner) SignTx(_ context.Context, txType apiClient.TxType, txInfo []byte, nonce int64) (string, error) {
	sig, err := crypto.Sign(signingDigest(txType, txInfo, nonce), p.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	return encodeEnvelope(txType, txInfo, nonce, p.publicKey, sig)
}

// CreateAuthToken signs a deadline-bound auth token.
func (p *PrivateKeySigner) CreateAuthToken(deadline time.Time) (string, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultAuthTokenLifetime)
	}
	sig, err := crypto.Sign(authDigest(deadline), p.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign auth token: %w", err)
	}
	return encodeAuthToken(deadline, p.publicKey, sig), nil
}

// PublicKey returns the hex-encoded compressed public key.
func (p *PrivateKeySigner) PublicKey() (string, error) {
	return p.publicKey, nil
}
