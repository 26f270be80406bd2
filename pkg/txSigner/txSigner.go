// Package txSigner provides transaction signing for the Meridian exchange.
// This package defines the collaborator interface the submission core signs
// through, and implementations backed by an in-memory secp256k1 private key,
// AWS KMS, and AWS Secrets Manager. Signing failures are always reported as
// error values, never panics.
package txSigner

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

// DefaultAuthTokenLifetime is used by CreateAuthToken when the caller passes
// a zero deadline.
const DefaultAuthTokenLifetime = 10 * time.Minute

// authDomain separates auth-token digests from transaction digests.
const authDomain = "meridian-auth:"

// ITransactionSigner defines the interface the submission core signs through.
// Implementations bind a single signing key; the nonce is supplied by the
// caller and becomes part of the signed payload.
type ITransactionSigner interface {
	// SignTx signs the materialized transaction parameters under the given
	// nonce and returns the opaque signed payload accepted by the exchange's
	// sendTx endpoints.
	SignTx(ctx context.Context, txType apiClient.TxType, txInfo []byte, nonce int64) (string, error)

	// CreateAuthToken produces a bearer token for authenticated read
	// endpoints. A zero deadline defaults to DefaultAuthTokenLifetime from now.
	CreateAuthToken(deadline time.Time) (string, error)

	// PublicKey returns the hex-encoded compressed public key of the signer.
	PublicKey() (string, error)
}

// signedEnvelope is the wire form of a signed transaction payload.
type signedEnvelope struct {
	TxType    uint8           `json:"tx_type"`
	Nonce     int64           `json:"nonce"`
	TxInfo    json.RawMessage `json:"tx_info"`
	PubKey    string          `json:"pub_key"`
	Signature string          `json:"signature"`
}

// signingDigest computes the 32-byte digest bound by a transaction signature:
// keccak256(txType || nonce BE || txInfo).
func signingDigest(txType apiClient.TxType, txInfo []byte, nonce int64) []byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	return crypto.Keccak256([]byte{byte(txType)}, nonceBytes[:], txInfo)
}

// authDigest computes the digest bound by an auth token signature.
func authDigest(deadline time.Time) []byte {
	var deadlineBytes [8]byte
	binary.BigEndian.PutUint64(deadlineBytes[:], uint64(deadline.UnixMilli()))
	return crypto.Keccak256([]byte(authDomain), deadlineBytes[:])
}

func encodeEnvelope(txType apiClient.TxType, txInfo []byte, nonce int64, pubKey string, sig []byte) (string, error) {
	envelope, err := json.Marshal(&signedEnvelope{
		TxType:    uint8(txType),
		Nonce:     nonce,
		TxInfo:    txInfo,
		PubKey:    pubKey,
		Signature: hex.EncodeToString(sig),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode signed payload: %w", err)
	}
	return string(envelope), nil
}

func encodeAuthToken(deadline time.Time, pubKey string, sig []byte) string {
	return fmt.Sprintf("%d:%s:%s", deadline.UnixMilli(), pubKey, hex.EncodeToString(sig))
}

// GenerateKeyPair creates a new secp256k1 key pair. With a non-empty seed the
// key is derived deterministically from keccak256(seed); otherwise a random
// key is generated. Returns hex-encoded private key and compressed public key.
func GenerateKeyPair(seed []byte) (string, string, error) {
	if len(seed) > 0 {
		privateKey, err := crypto.ToECDSA(crypto.Keccak256(seed))
		if err != nil {
			return "", "", fmt.Errorf("failed to derive key from seed: %w", err)
		}
		return hex.EncodeToString(crypto.FromECDSA(privateKey)),
			hex.EncodeToString(crypto.CompressPubkey(&privateKey.PublicKey)), nil
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(crypto.FromECDSA(privateKey)),
		hex.EncodeToString(crypto.CompressPubkey(&privateKey.PublicKey)), nil
}
