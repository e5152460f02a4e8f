package binance

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ed25519.key")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadSessionKeyBase64(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	got, err := loadSessionKey(writeKeyFile(t, []byte(base64.StdEncoding.EncodeToString(priv))))
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestLoadSessionKeyPEM(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	got, err := loadSessionKey(writeKeyFile(t, pemBytes))
	require.NoError(t, err)
	assert.Equal(t, priv, got)
}

func TestLoadSessionKeyInvalidFormat(t *testing.T) {
	_, err := loadSessionKey(writeKeyFile(t, []byte("not-a-key")))
	assert.ErrorIs(t, err, errUnsupportedKey)

	_, err = loadSessionKey("")
	assert.Error(t, err)
}
