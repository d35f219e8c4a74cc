package encryption

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte { return bytes.Repeat([]byte{0x42}, 32) }

func TestCipher_SealOpen(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)

	plaintext := []byte("archived invoice")
	a, err := c.Seal(plaintext, []byte("rec1"))
	require.NoError(t, err)
	b, err := c.Seal(plaintext, []byte("rec1"))
	require.NoError(t, err)
	require.NotEqual(t, a, b, "nonces must differ")
	require.Len(t, a, len(plaintext)+c.Overhead())

	got, err := c.Open(a, []byte("rec1"))
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestCipher_OpenRejects(t *testing.T) {
	c, err := NewCipher(testKey())
	require.NoError(t, err)
	sealed, err := c.Seal([]byte("payload"), []byte("rec1"))
	require.NoError(t, err)

	_, err = c.Open(sealed, []byte("rec2"))
	require.ErrorIs(t, err, ErrOpen)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 1
	_, err = c.Open(tampered, []byte("rec1"))
	require.ErrorIs(t, err, ErrOpen)

	_, err = c.Open(sealed[:4], []byte("rec1"))
	require.ErrorIs(t, err, ErrOpen)

	other, err := NewCipher(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)
	_, err = other.Open(sealed, []byte("rec1"))
	require.ErrorIs(t, err, ErrOpen)
}

func TestLoadKeyFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.key")
	require.NoError(t, os.WriteFile(good, []byte(hex.EncodeToString(testKey())+"\n"), 0o600))
	key, err := LoadKeyFile(good)
	require.NoError(t, err)
	require.Equal(t, testKey(), key)

	short := filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(short, []byte("abcd"), 0o600))
	_, err = LoadKeyFile(short)
	require.Error(t, err)

	notHex := filepath.Join(dir, "nothex.key")
	require.NoError(t, os.WriteFile(notHex, []byte("zz"), 0o600))
	_, err = LoadKeyFile(notHex)
	require.Error(t, err)

	_, err = LoadKeyFile(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
