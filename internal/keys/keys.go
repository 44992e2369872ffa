// Package keys produces fresh per-document key material.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize = 32
	IVSize  = 16
)

// ErrEntropy means the random source could not deliver bytes. It is not retryable.
var ErrEntropy = errors.New("keys: entropy source exhausted")

// Material is a data encryption key and the IV it is used with.
type Material struct {
	Key []byte
	IV  []byte
}

// Generator draws key material from a cryptographically secure source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a Generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader}
}

// Generate returns a new 32-byte key and 16-byte IV. Every call draws fresh bytes.
func (g *Generator) Generate() (Material, error) {
	buf := make([]byte, KeySize+IVSize)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return Material{}, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return Material{Key: buf[:KeySize:KeySize], IV: buf[KeySize:]}, nil
}

// Wipe zeroes the key bytes once they are no longer needed.
func (m Material) Wipe() {
	for i := range m.Key {
		m.Key[i] = 0
	}
}
