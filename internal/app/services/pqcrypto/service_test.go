package pqcrypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/quantumshield/backend/internal/app/domain/pqkey"
	"github.com/quantumshield/backend/internal/app/keyvault"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

func newTestService() *Service {
	return New(memory.NewStore(), keyvault.NewEphemeral(), logger.NewNop())
}

func TestKEMRoundTrip(t *testing.T) {
	svc := newTestService()

	pair, err := svc.GenerateKEMKeyPair()
	require.NoError(t, err)
	assert.Equal(t, AlgorithmKEM, pair.Algorithm)

	enc, err := svc.Encapsulate(pair.PublicKey)
	require.NoError(t, err)
	secret, err := svc.Decapsulate(pair.PrivateKey, enc.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, enc.SharedSecret, secret)

	_, err = svc.Encapsulate("not-base64!")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = svc.Decapsulate(pair.PrivateKey, "AAAA")
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestSignatures(t *testing.T) {
	svc := newTestService()

	pair, err := svc.GenerateSigningKeyPair()
	require.NoError(t, err)

	sig, err := svc.Sign(pair.PrivateKey, []byte("reading:42"))
	require.NoError(t, err)

	ok, err := svc.Verify(pair.PublicKey, []byte("reading:42"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Verify(pair.PublicKey, []byte("reading:43"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Verify(pair.PublicKey, []byte("reading:42"), "AAAA")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Verify("AAAA", []byte("x"), sig)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSealOpen(t *testing.T) {
	svc := newTestService()

	pair, err := svc.GenerateKEMKeyPair()
	require.NoError(t, err)
	other, err := svc.GenerateKEMKeyPair()
	require.NoError(t, err)

	env, err := svc.Seal(pair.PublicKey, []byte("firmware key"))
	require.NoError(t, err)
	assert.NotEmpty(t, env.KEMCiphertext)

	plain, err := svc.Open(pair.PrivateKey, env)
	require.NoError(t, err)
	assert.Equal(t, "firmware key", string(plain))

	_, err = svc.Open(other.PrivateKey, env)
	require.ErrorIs(t, err, ErrOpen)

	env.Nonce = "AAAA"
	_, err = svc.Open(pair.PrivateKey, env)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestStoredKeys(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	kemKey, err := svc.StoreKeyPair(ctx, "alice", domain.KindKEM)
	require.NoError(t, err)
	sigKey, err := svc.StoreKeyPair(ctx, "alice", domain.KindSignature)
	require.NoError(t, err)
	_, err = svc.StoreKeyPair(ctx, "alice", "rsa")
	require.Error(t, err)

	keys, err := svc.ListKeys(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	env, err := svc.Seal(kemKey.PublicKey, []byte("hello"))
	require.NoError(t, err)
	plain, err := svc.OpenWith(ctx, kemKey.ID, env)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	sig, err := svc.SignWith(ctx, sigKey.ID, []byte("msg"))
	require.NoError(t, err)
	ok, err := svc.Verify(sigKey.PublicKey, []byte("msg"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.SignWith(ctx, kemKey.ID, []byte("msg"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestCommitments(t *testing.T) {
	svc := newTestService()

	c, err := svc.Commit([]byte("bid:100"))
	require.NoError(t, err)
	assert.Len(t, c.Commitment, 64)
	assert.True(t, svc.VerifyCommitment([]byte("bid:100"), c))
	assert.False(t, svc.VerifyCommitment([]byte("bid:101"), c))

	c.Nonce = "zz"
	assert.False(t, svc.VerifyCommitment([]byte("bid:100"), c))
}
