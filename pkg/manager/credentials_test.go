package manager

import (
	"testing"

	"github.com/raterudder/agilerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "01234567890123456789012345678901"

func TestCredentials(t *testing.T) {
	creds := types.Credentials{
		Solis: &types.SolisCredentials{
			APIKey:         "1300386381676",
			APISecret:      "secret",
			InverterSerial: "110B1234567",
		},
		Solcast: &types.SolcastCredentials{APIKey: "solcast"},
	}

	t.Run("round trip", func(t *testing.T) {
		encrypted, err := encryptCredentials(t.Context(), testKey, creds)
		require.NoError(t, err)
		assert.NotContains(t, string(encrypted), "secret")

		decrypted, err := decryptCredentials(t.Context(), testKey, encrypted)
		require.NoError(t, err)
		assert.Equal(t, creds, decrypted)
	})

	t.Run("wrong key", func(t *testing.T) {
		encrypted, err := encryptCredentials(t.Context(), testKey, creds)
		require.NoError(t, err)

		_, err = decryptCredentials(t.Context(), "12345678901234567890123456789012", encrypted)
		assert.Error(t, err)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := encryptCredentials(t.Context(), "", creds)
		assert.ErrorIs(t, err, errNoEncryptionKey)

		_, err = decryptCredentials(t.Context(), "", []byte("some-random-data"))
		assert.ErrorIs(t, err, errNoEncryptionKey)
	})

	t.Run("short key", func(t *testing.T) {
		_, err := encryptCredentials(t.Context(), "short", creds)
		assert.ErrorContains(t, err, "must be 32 bytes")
	})

	t.Run("malformed ciphertext", func(t *testing.T) {
		_, err := decryptCredentials(t.Context(), testKey, []byte("short"))
		assert.Error(t, err)

		_, err = decryptCredentials(t.Context(), testKey, make([]byte, 50))
		assert.Error(t, err)
	})

	t.Run("empty credentials need no key", func(t *testing.T) {
		encrypted, err := encryptCredentials(t.Context(), "", types.Credentials{})
		require.NoError(t, err)
		assert.Nil(t, encrypted)

		decrypted, err := decryptCredentials(t.Context(), "", nil)
		require.NoError(t, err)
		assert.Equal(t, types.Credentials{}, decrypted)
	})
}
