package txSigner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

func newTestSigner(t *testing.T) *PrivateKeySigner {
	t.Helper()
	privateKey, _, err := GenerateKeyPair([]byte("test seed"))
	require.NoError(t, err)
	signer, err := NewPrivateKeySigner(privateKey)
	require.NoError(t, err)
	return signer
}

func TestGenerateKeyPair(t *testing.T) {
	t.Run("deterministic with seed", func(t *testing.T) {
		priv1, pub1, err := GenerateKeyPair([]byte("seed"))
		require.NoError(t, err)
		priv2, pub2, err := GenerateKeyPair([]byte("seed"))
		require.NoError(t, err)
		assert.Equal(t, priv1, priv2)
		assert.Equal(t, pub1, pub2)

		priv3, _, err := GenerateKeyPair([]byte("other seed"))
		require.NoError(t, err)
		assert.NotEqual(t, priv1, priv3)
	})

	t.Run("random without seed", func(t *testing.T) {
		priv1, _, err := GenerateKeyPair(nil)
		require.NoError(t, err)
		priv2, _, err := GenerateKeyPair(nil)
		require.NoError(t, err)
		assert.NotEqual(t, priv1, priv2)
	})
}

func TestNewPrivateKeySigner_AcceptsHexPrefix(t *testing.T) {
	privateKey, pub, err := GenerateKeyPair([]byte("prefix"))
	require.NoError(t, err)

	signer, err := NewPrivateKeySigner("0x" + privateKey)
	require.NoError(t, err)
	got, err := signer.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub, got)
}

func TestNewPrivateKeySigner_RejectsGarbage(t *testing.T) {
	_, err := NewPrivateKeySigner("not a key")
	assert.Error(t, err)
}

func TestSignTx_ProducesVerifiableEnvelope(t *testing.T) {
	signer := newTestSigner(t)
	txInfo := []byte(`{"market_index":1,"price":1500000}`)
	const nonce = int64(42)

	signedTx, err := signer.SignTx(context.Background(), apiClient.TxTypeCreateOrder, txInfo, nonce)
	require.NoError(t, err)

	envelope := new(signedEnvelope)
	require.NoError(t, json.Unmarshal([]byte(signedTx), envelope))
	assert.Equal(t, uint8(apiClient.TxTypeCreateOrder), envelope.TxType)
	assert.Equal(t, nonce, envelope.Nonce)
	assert.JSONEq(t, string(txInfo), string(envelope.TxInfo))

	// The signature must recover the signer's public key over the digest
	// binding type, nonce and payload.
	sig, err := hex.DecodeString(envelope.Signature)
	require.NoError(t, err)
	recovered, err := crypto.SigToPub(signingDigest(apiClient.TxTypeCreateOrder, txInfo, nonce), sig)
	require.NoError(t, err)
	assert.Equal(t, envelope.PubKey, hex.EncodeToString(crypto.CompressPubkey(recovered)))
}

func TestSignTx_DigestBindsNonce(t *testing.T) {
	signer := newTestSigner(t)
	txInfo := []byte(`{"market_index":1}`)

	first, err := signer.SignTx(context.Background(), apiClient.TxTypeCancelOrder, txInfo, 1)
	require.NoError(t, err)
	second, err := signer.SignTx(context.Background(), apiClient.TxTypeCancelOrder, txInfo, 2)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCreateAuthToken(t *testing.T) {
	signer := newTestSigner(t)

	t.Run("explicit deadline", func(t *testing.T) {
		deadline := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		token, err := signer.CreateAuthToken(deadline)
		require.NoError(t, err)

		parts := strings.SplitN(token, ":", 3)
		require.Len(t, parts, 3)
		assert.Equal(t, strconv.FormatInt(deadline.UnixMilli(), 10), parts[0])

		pub, err := signer.PublicKey()
		require.NoError(t, err)
		assert.Equal(t, pub, parts[1])

		sig, err := hex.DecodeString(parts[2])
		require.NoError(t, err)
		recovered, err := crypto.SigToPub(authDigest(deadline), sig)
		require.NoError(t, err)
		assert.Equal(t, pub, hex.EncodeToString(crypto.CompressPubkey(recovered)))
	})

	t.Run("zero deadline defaults", func(t *testing.T) {
		token, err := signer.CreateAuthToken(time.Time{})
		require.NoError(t, err)

		parts := strings.SplitN(token, ":", 3)
		require.Len(t, parts, 3)
		deadlineMs, err := strconv.ParseInt(parts[0], 10, 64)
		require.NoError(t, err)
		assert.Greater(t, deadlineMs, time.Now().UnixMilli())
	})
}

func TestParseASN1Signature(t *testing.T) {
	tests := []struct {
		name      string
		signature []byte
		wantErr   bool
	}{
		{
			name:      "too short",
			signature: []byte{0x30, 0x02, 0x02},
			wantErr:   true,
		},
		{
			name: "valid minimal sequence",
			signature: []byte{
				0x30, 0x08,
				0x02, 0x02, 0x01, 0x02, // r = 0x0102
				0x02, 0x02, 0x03, 0x04, // s = 0x0304
			},
		},
		{
			name:      "missing integer tag",
			signature: []byte{0x30, 0x08, 0x03, 0x02, 0x01, 0x02, 0x02, 0x02, 0x03, 0x04},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, s, err := parseASN1Signature(tt.signature)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(0x0102), r.Int64())
			assert.Equal(t, int64(0x0304), s.Int64())
		})
	}
}
