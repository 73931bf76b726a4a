package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("master-key-1")
	require.NoError(t, err)

	secret := "sk_live_abcdef123456"
	sealed, err := v.Encrypt(secret)
	require.NoError(t, err)
	assert.NotContains(t, sealed, secret, "ciphertext must not leak plaintext")

	plain, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)
}

func TestDecryptWrongKey(t *testing.T) {
	v1, _ := New("master-key-1")
	v2, _ := New("master-key-2")

	sealed, err := v1.Encrypt("token")
	require.NoError(t, err)

	_, err = v2.Decrypt(sealed)
	assert.Error(t, err, "decrypt under the wrong key must fail")
}

func TestMissingMasterKey(t *testing.T) {
	_, err := New("  ")
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestRotate(t *testing.T) {
	v1, _ := New("old-key")
	v2, _ := New("new-key")

	sealed, err := v1.Encrypt("credential")
	require.NoError(t, err)

	rotated, err := v2.Rotate("old-key", sealed)
	require.NoError(t, err)

	plain, err := v2.Decrypt(rotated)
	require.NoError(t, err)
	assert.Equal(t, "credential", plain)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "******567890", Mask("1234567890"))
	assert.Equal(t, "******", Mask("abc"), "short secrets are fully masked")
}
