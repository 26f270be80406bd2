package txSigner

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

// AWSKMSSigner implements ITransactionSigner using an AWS KMS key. The
// private key never leaves KMS; each digest is signed remotely and the
// recoverable signature is reconstructed client-side.
type AWSKMSSigner struct {
	kmsClient *kms.KMS
	keyID     string
	publicKey *ecdsa.PublicKey
	pubKeyHex string
}

// NewAWSKMSSigner creates a new AWSKMSSigner for the given KMS key ID and AWS
// region. The public key is fetched once at construction to derive the
// signer identity and to resolve signature recovery IDs.
func NewAWSKMSSigner(keyID, region string) (*AWSKMSSigner, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	kmsClient := kms.New(sess)

	result, err := kmsClient.GetPublicKey(&kms.GetPublicKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}
	publicKey, err := crypto.UnmarshalPubkey(result.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	return &AWSKMSSigner{
		kmsClient: kmsClient,
		keyID:     keyID,
		publicKey: publicKey,
		pubKeyHex: hex.EncodeToString(crypto.CompressPubkey(publicKey)),
	}, nil
}

// SignTx signs the transaction digest with KMS and returns the signed
// payload envelope.
func (a *AWSKMSSigner) SignTx(_ context.Context, txType apiClient.TxType, txInfo []byte, nonce int64) (string, error) {
	sig, err := a.signDigest(signingDigest(txType, txInfo, nonce))
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction with KMS: %w", err)
	}
	return encodeEnvelope(txType, txInfo, nonce, a.pubKeyHex, sig)
}

// CreateAuthToken signs a deadline-bound auth token with KMS.
func (a *AWSKMSSigner) CreateAuthToken(deadline time.Time) (string, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultAuthTokenLifetime)
	}
	sig, err := a.signDigest(authDigest(deadline))
	if err != nil {
		return "", fmt.Errorf("failed to sign auth token with KMS: %w", err)
	}
	return encodeAuthToken(deadline, a.pubKeyHex, sig), nil
}

// PublicKey returns the hex-encoded compressed public key of the KMS key.
func (a *AWSKMSSigner) PublicKey() (string, error) {
	return a.pubKeyHex, nil
}

// signDigest signs a 32-byte digest with KMS and converts the ASN.1 DER
// result into the 65-byte recoverable form (r || s || v).
func (a *AWSKMSSigner) signDigest(digest []byte) ([]byte, error) {
	result, err := a.kmsClient.Sign(&kms.SignInput{
		KeyId:            aws.String(a.keyID),
		Message:          digest,
		MessageType:      aws.String("RAW"),
		SigningAlgorithm: aws.String("ECDSA_SHA_256"),
	})
	if err != nil {
		return nil, fmt.Errorf("KMS signing failed: %w", err)
	}

	r, s, err := parseASN1Signature(result.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS signature: %w", err)
	}

	signature := make([]byte, 65)
	r.FillBytes(signature[0:32])
	s.FillBytes(signature[32:64])

	// KMS does not report the recovery ID; try both values and keep the one
	// that recovers our public key.
	expected := crypto.FromECDSAPub(a.publicKey)
	for v := 0; v < 2; v++ {
		signature[64] = byte(v)
		recovered, err := crypto.Ecrecover(digest, signature)
		if err != nil {
			continue
		}
		if bytes.Equal(recovered, expected) {
			return signature, nil
		}
	}

	return nil, fmt.Errorf("failed to determine recovery ID")
}

// parseASN1Signature parses an ASN.1 DER encoded ECDSA signature into its r
// and s values.
func parseASN1Signature(signature []byte) (*big.Int, *big.Int, error) {
	if len(signature) < 6 {
		return nil, nil, fmt.Errorf("signature too short")
	}

	// Skip SEQUENCE tag and length
	offset := 2
	if signature[1] > 0x80 {
		offset += int(signature[1] - 0x80)
	}

	if signature[offset] != 0x02 {
		return nil, nil, fmt.Errorf("expected INTEGER tag for r")
	}
	offset++
	rLen := int(signature[offset])
	offset++
	if offset+rLen > len(signature) {
		return nil, nil, fmt.Errorf("r length out of bounds")
	}
	r := new(big.Int).SetBytes(signature[offset : offset+rLen])
	offset += rLen

	if offset >= len(signature) || signature[offset] != 0x02 {
		return nil, nil, fmt.Errorf("expected INTEGER tag for s")
	}
	offset++
	sLen := int(signature[offset])
	offset++
	if offset+sLen > len(signature) {
		return nil, nil, fmt.Errorf("s length out of bounds")
	}
	s := new(big.Int).SetBytes(signature[offset : offset+sLen])

	return r, s, nil
}
