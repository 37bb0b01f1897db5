// Package crypto implements the envelope-encryption kernel: the process
// master key wraps per-room keys, and room keys seal individual messages.
//
// Everything is AES-256-GCM with a random 96-bit nonce and no associated
// data. Persisted formats:
//
//   - wrapped room key: nonce(12) ‖ seal(master, nonce, room_key_32)
//   - message: the seal output split as ct = seal[:len-16], tag = seal[len-16:]
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the size of the master key and every room key (256 bits).
	KeySize = 32
	// NonceSize is the GCM nonce size (96 bits).
	NonceSize = 12
	// TagSize is the GCM authentication tag size (128 bits).
	TagSize = 16
)

// DecryptionFailedSentinel replaces plaintext in archives when a stored
// message no longer authenticates. Archival must complete regardless.
const DecryptionFailedSentinel = "[DECRYPTION_FAILED]"

// ErrCrypto is the root of all AEAD failures: bad key material,
// truncated blobs, tag mismatches.
var ErrCrypto = errors.New("crypto failure")

// Keeper holds the process master key and performs all AEAD operations.
// Construct once at startup; the key is read-only afterwards.
type Keeper struct {
	master []byte
}

// NewKeeper builds a Keeper from a base64-encoded 32-byte master key.
func NewKeeper(masterB64 string) (*Keeper, error) {
	if masterB64 == "" {
		return nil, fmt.Errorf("%w: master key is required", ErrCrypto)
	}
	key, err := base64.StdEncoding.DecodeString(masterB64)
	if err != nil {
		return nil, fmt.Errorf("%w: master key is not valid base64: %v", ErrCrypto, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrCrypto, KeySize, len(key))
	}
	return &Keeper{master: key}, nil
}

// GenerateRoomKey returns a fresh random 32-byte room key.
func (k *Keeper) GenerateRoomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: generating room key: %v", ErrCrypto, err)
	}
	return key, nil
}

// Wrap seals a room key under the master key. Output is nonce ‖ ciphertext.
func (k *Keeper) Wrap(roomKey []byte) ([]byte, error) {
	if len(roomKey) != KeySize {
		return nil, fmt.Errorf("%w: room key must be %d bytes, got %d", ErrCrypto, KeySize, len(roomKey))
	}
	gcm, err := newGCM(k.master)
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, roomKey, nil), nil
}

// Unwrap recovers a room key from its nonce-prefixed wrapped form.
func (k *Keeper) Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: wrapped key truncated (%d bytes)", ErrCrypto, len(wrapped))
	}
	gcm, err := newGCM(k.master)
	if err != nil {
		return nil, err
	}
	roomKey, err := gcm.Open(nil, wrapped[:NonceSize], wrapped[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping room key: %v", ErrCrypto, err)
	}
	return roomKey, nil
}

// EncryptMessage seals plaintext under a room key, splitting the seal
// output into ciphertext and tag for separate storage.
func EncryptMessage(roomKey []byte, plaintext string) (ct, nonce, tag []byte, err error) {
	if len(roomKey) != KeySize {
		return nil, nil, nil, fmt.Errorf("%w: room key must be %d bytes, got %d", ErrCrypto, KeySize, len(roomKey))
	}
	gcm, err := newGCM(roomKey)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = randomNonce()
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return sealed[:len(sealed)-TagSize], nonce, sealed[len(sealed)-TagSize:], nil
}

// DecryptMessage reassembles ct ‖ tag and opens it under the room key.
func DecryptMessage(roomKey, ct, nonce, tag []byte) (string, error) {
	if len(roomKey) != KeySize {
		return "", fmt.Errorf("%w: room key must be %d bytes, got %d", ErrCrypto, KeySize, len(roomKey))
	}
	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrCrypto, NonceSize, len(nonce))
	}
	if len(tag) != TagSize {
		return "", fmt.Errorf("%w: tag must be %d bytes, got %d", ErrCrypto, TagSize, len(tag))
	}
	gcm, err := newGCM(roomKey)
	if err != nil {
		return "", err
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: opening message: %v", ErrCrypto, err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrCrypto, err)
	}
	return gcm, nil
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", ErrCrypto, err)
	}
	return nonce, nil
}
