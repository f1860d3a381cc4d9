package config

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// builtinKeySalt is used when no encryption_key is configured so chunks are
// still sealed, just with a key anyone holding the binary can derive.
const builtinKeySalt = "curator-store-v1"

// MasterKey derives the 32-byte chunk encryption key from encryption_key.
func (c *Config) MasterKey() ([32]byte, error) {
	return DeriveMasterKey(c.EncryptionKey)
}

// DeriveMasterKey derives a 32-byte key from a passphrase using HKDF-SHA256.
func DeriveMasterKey(passphrase string) ([32]byte, error) {
	var key [32]byte
	secret := []byte(passphrase)
	if len(secret) == 0 {
		secret = []byte(builtinKeySalt)
	}
	r := hkdf.New(sha256.New, secret, []byte(builtinKeySalt), []byte("curator-chunk-master"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive master key: %w", err)
	}
	return key, nil
}
