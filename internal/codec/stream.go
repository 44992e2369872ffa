package codec

import (
	"bufio"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

var errWriterClosed = errors.New("codec: write after close")

// EncryptWriter seals everything written to it onto the underlying writer.
// Close must be called to seal the final chunk.
type EncryptWriter struct {
	w      io.Writer
	aead   cipher.AEAD
	nonces *nonceSeq
	size   int
	buf    []byte
	out    []byte
	closed bool
	err    error
}

// NewEncryptWriter returns a writer that encrypts into w with key and iv.
func (c *Codec) NewEncryptWriter(w io.Writer, key, iv []byte) (*EncryptWriter, error) {
	aead, err := c.newAEAD(key, iv)
	if err != nil {
		return nil, err
	}
	return &EncryptWriter{
		w:      w,
		aead:   aead,
		nonces: newNonceSeq(iv),
		size:   c.chunkSize,
		buf:    make([]byte, 0, c.chunkSize),
		out:    make([]byte, 0, c.chunkSize+aead.Overhead()),
	}, nil
}

func (e *EncryptWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.closed {
		return 0, errWriterClosed
	}

	n := 0
	for len(p) > 0 {
		// a full buffer is sealed as non-final only once more data arrives
		if len(e.buf) == e.size {
			if err := e.seal(false); err != nil {
				e.err = err
				return n, err
			}
		}
		k := copy(e.buf[len(e.buf):e.size], p)
		e.buf = e.buf[:len(e.buf)+k]
		p = p[k:]
		n += k
	}
	return n, nil
}

// Close seals the final chunk. It does not close the underlying writer.
func (e *EncryptWriter) Close() error {
	if e.closed {
		return e.err
	}
	e.closed = true
	if e.err != nil {
		return e.err
	}
	e.err = e.seal(true)
	return e.err
}

func (e *EncryptWriter) seal(final bool) error {
	nonce, err := e.nonces.next(final)
	if err != nil {
		return err
	}
	e.out = e.aead.Seal(e.out[:0], nonce, e.buf, nil)
	e.buf = e.buf[:0]
	if _, err := e.w.Write(e.out); err != nil {
		return err
	}
	return nil
}

// DecryptReader yields plaintext one authenticated chunk at a time.
type DecryptReader struct {
	r      *bufio.Reader
	aead   cipher.AEAD
	nonces *nonceSeq
	in     []byte
	plain  []byte
	pos    int
	done   bool
	err    error
}

// NewDecryptReader returns a reader that decrypts r with key and iv.
func (c *Codec) NewDecryptReader(r io.Reader, key, iv []byte) (*DecryptReader, error) {
	aead, err := c.newAEAD(key, iv)
	if err != nil {
		return nil, err
	}
	return &DecryptReader{
		r:      bufio.NewReaderSize(r, c.chunkSize+aead.Overhead()),
		aead:   aead,
		nonces: newNonceSeq(iv),
		in:     make([]byte, c.chunkSize+aead.Overhead()),
		plain:  make([]byte, 0, c.chunkSize),
	}, nil
}

func (d *DecryptReader) Read(p []byte) (int, error) {
	for d.pos >= len(d.plain) {
		if d.err != nil {
			return 0, d.err
		}
		if d.done {
			return 0, io.EOF
		}
		d.err = d.next()
	}
	n := copy(p, d.plain[d.pos:])
	d.pos += n
	return n, nil
}

func (d *DecryptReader) next() error {
	n, err := io.ReadFull(d.r, d.in)
	final := false
	switch {
	case errors.Is(err, io.EOF):
		// the stream stopped without a final chunk
		return ErrTampered
	case errors.Is(err, io.ErrUnexpectedEOF):
		final = true
	case err != nil:
		return fmt.Errorf("read ciphertext: %w", err)
	default:
		if _, perr := d.r.Peek(1); errors.Is(perr, io.EOF) {
			final = true
		} else if perr != nil {
			return fmt.Errorf("read ciphertext: %w", perr)
		}
	}
	if n < d.aead.Overhead() {
		return ErrTampered
	}

	nonce, err := d.nonces.next(final)
	if err != nil {
		return err
	}
	plain, err := d.aead.Open(d.plain[:0], nonce, d.in[:n], nil)
	if err != nil {
		return ErrTampered
	}
	d.plain = plain
	d.pos = 0
	d.done = final
	return nil
}
