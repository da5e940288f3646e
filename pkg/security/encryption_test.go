package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptorFromSecretRoundTrip(t *testing.T) {
	enc, err := NewEncryptorFromSecret("s3cret", "portal-credentials")
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte(`{"token":"ghp_x"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "ghp_x")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"ghp_x"}`, string(plain))
}

func TestEncryptorKeysAreScopedByInfo(t *testing.T) {
	a, err := NewEncryptorFromSecret("s3cret", "portal-credentials")
	require.NoError(t, err)
	b, err := NewEncryptorFromSecret("s3cret", "something-else")
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestEncryptorRejectsEmptySecret(t *testing.T) {
	_, err := NewEncryptorFromSecret("", "x")
	assert.ErrorIs(t, err, ErrEmptySecret)
}
