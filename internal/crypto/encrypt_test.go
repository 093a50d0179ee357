package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassphrase = "a-long-enough-test-passphrase"

func TestNewEncryptorRejectsShortPassphrase(t *testing.T) {
	_, err := NewEncryptor("too short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 16 characters")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testPassphrase)
	require.NoError(t, err)

	for _, plaintext := range []string{
		"imap-password-123",
		"with spaces and symbols !@#$%",
		strings.Repeat("long", 512),
	} {
		encrypted, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, encrypted)

		decrypted, err := enc.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptEmptyString(t *testing.T) {
	enc, err := NewEncryptor(testPassphrase)
	require.NoError(t, err)

	encrypted, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", encrypted)

	decrypted, err := enc.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", decrypted)
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	enc, err := NewEncryptor(testPassphrase)
	require.NoError(t, err)

	first, err := enc.Encrypt("same secret")
	require.NoError(t, err)
	second, err := enc.Encrypt("same secret")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecryptWithWrongKey(t *testing.T) {
	enc, err := NewEncryptor(testPassphrase)
	require.NoError(t, err)
	other, err := NewEncryptor("a-different-long-passphrase")
	require.NoError(t, err)

	encrypted, err := enc.Encrypt("secret")
	require.NoError(t, err)

	_, err = other.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewEncryptor(testPassphrase)
	require.NoError(t, err)

	_, err = enc.Decrypt("not base64 at all!!!")
	assert.Error(t, err)

	// Valid base64 but shorter than a nonce
	_, err = enc.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestSameKeyAcrossInstances(t *testing.T) {
	// Restart scenario: a fresh encryptor with the same passphrase must
	// decrypt what an earlier one wrote.
	first, err := NewEncryptor(testPassphrase)
	require.NoError(t, err)
	encrypted, err := first.Encrypt("persisted credential")
	require.NoError(t, err)

	second, err := NewEncryptor(testPassphrase)
	require.NoError(t, err)
	decrypted, err := second.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "persisted credential", decrypted)
}
