package access

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. Each yields an independent subkey of the master secret.
const (
	PurposeStreamGrant = "audiovault stream-grant v1"
	PurposeSession     = "audiovault session v1"
)

// MinSecretLen is the shortest master secret accepted.
const MinSecretLen = 32

// ErrWeakSecret is returned for master secrets shorter than MinSecretLen.
var ErrWeakSecret = errors.New("master secret must be at least 32 bytes")

// DeriveKey expands master into a 32-byte key bound to purpose.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
