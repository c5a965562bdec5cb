package cryptoauth

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerate_GeneratesAndPersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	privPath := filepath.Join(dir, "rsa")
	pubPath := filepath.Join(dir, "rsa_pub")

	kp, err := LoadOrGenerate(privPath, pubPath)
	require.NoError(t, err)
	require.NotEmpty(t, kp.PublicKeyDER())

	reloaded, err := LoadOrGenerate(privPath, pubPath)
	require.NoError(t, err)
	require.Equal(t, kp.PublicKeyDER(), reloaded.PublicKeyDER())
}

func TestKeyPair_DecryptRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	kp, err := LoadOrGenerate(filepath.Join(dir, "rsa"), filepath.Join(dir, "rsa_pub"))
	require.NoError(t, err)

	plaintext := append(make([]byte, 32), []byte("hunter2")...)
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, kp.public, plaintext)
	require.NoError(t, err)

	decrypted, err := kp.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestSplitSetupSecret_RejectsShortCleartext(t *testing.T) {
	t.Parallel()
	_, _, err := SplitSetupSecret(make([]byte, 31))
	require.Error(t, err)
}

func TestSplitSetupSecret_SplitsKeyAndPassword(t *testing.T) {
	t.Parallel()
	plain := append(make([]byte, 32), []byte("pw")...)
	key, pw, err := SplitSetupSecret(plain)
	require.NoError(t, err)
	require.Len(t, key, 32)
	require.Equal(t, []byte("pw"), pw)
}
