package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEADRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	c, err := NewAEAD(key)
	require.NoError(t, err)

	aad := SessionAAD(0x0B, 3)
	sealed, err := c.Seal([]byte("frame data"), aad)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "frame data")

	pt, err := c.Open(sealed, aad)
	require.NoError(t, err)
	require.Equal(t, "frame data", string(pt))

	_, err = c.Open(sealed, SessionAAD(0x0B, 4))
	require.ErrorIs(t, err, ErrOpenFailed)
	_, err = c.Open(sealed[:5], aad)
	require.ErrorIs(t, err, ErrShortCiphertext)
}

func TestNewAEADRejectsBadKey(t *testing.T) {
	_, err := NewAEAD([]byte("short"))
	require.ErrorIs(t, err, ErrKeySize)
}

func TestDeriveKeyAgrees(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	salt := []byte("salt")
	ka, err := DeriveKey(a.Private, b.Public, salt)
	require.NoError(t, err)
	kb, err := DeriveKey(b.Private, a.Public, salt)
	require.NoError(t, err)
	require.Equal(t, ka, kb)
	require.Len(t, ka, 32)
}
