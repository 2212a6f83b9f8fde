package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadKeyLength(t *testing.T) {
	for _, n := range []int{0, 8, 15, 31, 33} {
		_, err := New(make([]byte, n))
		assert.Error(t, err, "key length %d", n)
	}
	for _, n := range []int{16, 24, 32} {
		_, err := New(make([]byte, n))
		assert.NoError(t, err, "key length %d", n)
	}
}

func TestRoundTrip(t *testing.T) {
	a, err := New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	for _, pt := range []string{"", "01.01.1990", "5551234567", "çok gizli"} {
		ct, err := a.EncryptToString(pt)
		require.NoError(t, err)
		assert.NotEqual(t, pt, ct)

		got, err := a.DecryptString(ct)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	a, err := New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	c1, err := a.EncryptToString("01.01.1990")
	require.NoError(t, err)
	c2, err := a.EncryptToString("01.01.1990")
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2, "nonce must differ per encryption")
}

func TestDecryptRejectsTampering(t *testing.T) {
	a, err := New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	_, err = a.DecryptString("not base64!!")
	assert.Error(t, err)

	_, err = a.DecryptString("c2hvcnQ")
	assert.Error(t, err, "too-short ciphertext")

	ct, err := a.EncryptToString("01.01.1990")
	require.NoError(t, err)
	tampered := "A" + ct[1:]
	if tampered == ct {
		tampered = "B" + ct[1:]
	}
	_, err = a.DecryptString(tampered)
	assert.Error(t, err)

	other, err := New([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	_, err = other.DecryptString(ct)
	assert.Error(t, err, "wrong key must fail authentication")
}
