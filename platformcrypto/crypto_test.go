package platformcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	digest := Hash([]byte("event body"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)

	require.NoError(t, Verify(key.PublicKey(), digest, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	digest := Hash([]byte("event body"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)

	require.ErrorIs(t, Verify(other.PublicKey(), digest, sig), ErrInvalidSignature)
}

func TestLoadPrivateKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	loaded, err := LoadPrivateKey(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), loaded.PublicKey())

	digest := Hash([]byte("event body"))
	sig, err := loaded.Sign(digest)
	require.NoError(t, err)
	require.NoError(t, Verify(key.PublicKey(), digest, sig))
}

func TestLoadPrivateKeyRejectsWrongLength(t *testing.T) {
	_, err := LoadPrivateKey([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestHashConcatDeterministic(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	require.Equal(t, HashConcat(a, b), HashConcat(a, b))
	require.NotEqual(t, HashConcat(a, b), HashConcat(b, a))
}
