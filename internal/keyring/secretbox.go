package keyring

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	masterKeySize = 32
	nonceSize     = 24
)

// SecretBox wraps data keys with NaCl secretbox under locally held master
// keys. Only the active key wraps; every loaded key can unwrap, which lets
// operators rotate by adding a key and switching the active id.
type SecretBox struct {
	active string
	keys   map[string]*[masterKeySize]byte
	rand   io.Reader
}

var _ Keyring = (*SecretBox)(nil)

// NewSecretBox returns a keyring over keys, wrapping with keys[active].
func NewSecretBox(keys map[string][]byte, active string) (*SecretBox, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	sb := &SecretBox{
		active: active,
		keys:   make(map[string]*[masterKeySize]byte, len(keys)),
		rand:   rand.Reader,
	}
	for id, k := range keys {
		if len(k) != masterKeySize {
			return nil, fmt.Errorf("keyring: master key %q must be %d bytes, got %d", id, masterKeySize, len(k))
		}
		var key [masterKeySize]byte
		copy(key[:], k)
		sb.keys[id] = &key
	}
	if _, ok := sb.keys[active]; !ok {
		return nil, fmt.Errorf("%w: active key %q", ErrUnknownKey, active)
	}
	return sb, nil
}

// ActiveKeyID returns the id new data keys are wrapped under.
func (s *SecretBox) ActiveKeyID() string {
	return s.active
}

func (s *SecretBox) Wrap(_ context.Context, dek []byte) (string, []byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return "", nil, fmt.Errorf("keyring: nonce: %w", err)
	}
	// nonce is stored as the first 24 bytes of the box
	return s.active, secretbox.Seal(nonce[:], dek, &nonce, s.keys[s.active]), nil
}

func (s *SecretBox) Unwrap(_ context.Context, keyID string, wrapped []byte) ([]byte, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	if len(wrapped) < nonceSize+secretbox.Overhead {
		return nil, ErrUnwrap
	}
	var nonce [nonceSize]byte
	copy(nonce[:], wrapped[:nonceSize])
	dek, ok := secretbox.Open(nil, wrapped[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrUnwrap
	}
	return dek, nil
}
