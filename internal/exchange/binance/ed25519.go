package binance

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var errUnsupportedKey = errors.New("unsupported ed25519 private key")

// loadSessionKey reads the ed25519 key used for WebSocket API session logon.
// PKCS#8 PEM, base64 and raw 64-byte keys are accepted.
func loadSessionKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("ws_ed25519_key_path is required for session auth")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", errUnsupportedKey)
	}
	if block, _ := pem.Decode(data); block != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8: %w", err)
		}
		if k, ok := key.(ed25519.PrivateKey); ok {
			return k, nil
		}
		return nil, fmt.Errorf("%w: pem holds %T", errUnsupportedKey, key)
	}
	if raw, err := base64.StdEncoding.DecodeString(string(data)); err == nil && len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}
	if len(data) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(data), nil
	}
	return nil, errUnsupportedKey
}
