// Package codec encrypts documents with a chunked authenticated construction.
//
// A document key and IV are expanded with HKDF-SHA256 into a per-document subkey.
// The plaintext is split into fixed-size chunks; each chunk is sealed with an AEAD
// under the nonce iv[0:7] || counter || final-flag, so reordering, truncation and
// extension of the ciphertext all fail authentication.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Algorithm identifies the AEAD used for every chunk of a document.
type Algorithm string

const (
	AES256GCM        Algorithm = "aes-256-gcm-chunked"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305-chunked"
)

const (
	KeySize = 32
	IVSize  = 16

	// DefaultChunkSize is the plaintext size of every chunk but the last.
	DefaultChunkSize = 64 * 1024

	noncePrefixSize = 7
	tagSize         = 16
)

var (
	ErrCodec     = errors.New("codec")
	ErrKeySize   = fmt.Errorf("%w: key must be %d bytes", ErrCodec, KeySize)
	ErrIVSize    = fmt.Errorf("%w: iv must be %d bytes", ErrCodec, IVSize)
	ErrAlgorithm = fmt.Errorf("%w: unsupported algorithm", ErrCodec)
	ErrTampered  = fmt.Errorf("%w: document corrupted or tampered", ErrCodec)
	ErrTooLarge  = fmt.Errorf("%w: document exceeds chunk counter", ErrCodec)
)

// Codec encrypts and decrypts documents for one algorithm.
type Codec struct {
	alg       Algorithm
	chunkSize int
}

// New returns a Codec for alg. An empty alg selects AES256GCM.
func New(alg Algorithm) (*Codec, error) {
	switch alg {
	case "":
		alg = AES256GCM
	case AES256GCM, ChaCha20Poly1305:
	default:
		return nil, fmt.Errorf("%w: %q", ErrAlgorithm, alg)
	}
	return &Codec{alg: alg, chunkSize: DefaultChunkSize}, nil
}

func (c *Codec) Algorithm() Algorithm {
	return c.alg
}

// CiphertextSize returns the exact encrypted size of an n-byte plaintext.
func (c *Codec) CiphertextSize(n int64) int64 {
	cs := int64(c.chunkSize)
	chunks := (n + cs - 1) / cs
	if chunks == 0 {
		chunks = 1
	}
	return n + chunks*tagSize
}

// Encrypt seals the whole plaintext in memory.
func (c *Codec) Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(c.CiphertextSize(int64(len(plaintext)))))

	w, err := c.NewEncryptWriter(&buf, key, iv)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decrypt opens a whole ciphertext in memory. It never returns partial plaintext.
func (c *Codec) Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	r, err := c.NewDecryptReader(bytes.NewReader(ciphertext), key, iv)
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (c *Codec) newAEAD(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if len(iv) != IVSize {
		return nil, ErrIVSize
	}

	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, iv, []byte(c.alg)), subkey); err != nil {
		return nil, fmt.Errorf("%w: derive subkey: %v", ErrCodec, err)
	}

	switch c.alg {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(subkey)
	default:
		block, err := aes.NewCipher(subkey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCodec, err)
		}
		return cipher.NewGCM(block)
	}
}

type nonceSeq struct {
	prefix  [noncePrefixSize]byte
	counter uint32
	buf     [noncePrefixSize + 5]byte
}

func newNonceSeq(iv []byte) *nonceSeq {
	n := &nonceSeq{}
	copy(n.prefix[:], iv[:noncePrefixSize])
	return n
}

func (n *nonceSeq) next(final bool) ([]byte, error) {
	if n.counter == ^uint32(0) {
		return nil, ErrTooLarge
	}
	copy(n.buf[:], n.prefix[:])
	n.buf[7] = byte(n.counter >> 24)
	n.buf[8] = byte(n.counter >> 16)
	n.buf[9] = byte(n.counter >> 8)
	n.buf[10] = byte(n.counter)
	n.buf[11] = 0
	if final {
		n.buf[11] = 1
	}
	n.counter++
	return n.buf[:], nil
}
