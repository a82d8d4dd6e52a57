// Package cipher implements chunked authenticated encryption for stored blobs.
//
// Each blob is sealed with XChaCha20-Poly1305 under its own random key. The
// plaintext is cut into fixed-size chunks and every chunk is sealed on its
// own, with a nonce built from the per-blob prefix, the chunk counter and a
// final-chunk flag:
//
//	nonce = prefix (19 bytes) | counter (uint32, big endian) | last (1 byte)
//
// Reordered, dropped, truncated or appended chunks therefore fail
// authentication just like flipped bits or a wrong key. Readers only ever
// release plaintext from chunks that authenticated.
//
// The key and nonce prefix are stored base64-encoded next to the object
// metadata. Anyone who can read both the metadata store and the blob store
// can decrypt; the encryption only protects blobs that leak on their own.
package cipher

import (
	"bufio"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of a per-object key (256 bits).
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the size of the random per-object nonce prefix.
	NonceSize = chacha20poly1305.NonceSizeX - 5

	// ChunkSize is the plaintext size of every chunk except the last.
	ChunkSize = 64 * 1024

	// Overhead is the authentication tag added to every chunk.
	Overhead = chacha20poly1305.Overhead
)

// ErrIntegrity is returned when ciphertext fails authentication.
var ErrIntegrity = errors.New("ciphertext failed authentication")

// Params holds the per-object secret material.
type Params struct {
	Key   []byte
	Nonce []byte
}

// NewParams generates a fresh random key and nonce prefix.
func NewParams() (Params, error) {
	p := Params{
		Key:   make([]byte, KeySize),
		Nonce: make([]byte, NonceSize),
	}
	if _, err := rand.Read(p.Key); err != nil {
		return Params{}, fmt.Errorf("failed to generate key: %w", err)
	}
	if _, err := rand.Read(p.Nonce); err != nil {
		return Params{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return p, nil
}

// EncodedKey returns the key in standard base64.
func (p Params) EncodedKey() string {
	return base64.StdEncoding.EncodeToString(p.Key)
}

// EncodedNonce returns the nonce prefix in standard base64.
func (p Params) EncodedNonce() string {
	return base64.StdEncoding.EncodeToString(p.Nonce)
}

// ParseParams decodes a key and nonce previously produced by EncodedKey and
// EncodedNonce.
func ParseParams(key, nonce string) (Params, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Params{}, fmt.Errorf("failed to decode key: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return Params{}, fmt.Errorf("failed to decode nonce: %w", err)
	}
	p := Params{Key: k, Nonce: n}
	if err := p.validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func (p Params) validate() error {
	if len(p.Key) != KeySize {
		return fmt.Errorf("invalid key length %d, want %d", len(p.Key), KeySize)
	}
	if len(p.Nonce) != NonceSize {
		return fmt.Errorf("invalid nonce length %d, want %d", len(p.Nonce), NonceSize)
	}
	return nil
}

// EncryptStream generates fresh parameters and returns a reader producing the
// ciphertext of plaintext.
func EncryptStream(plaintext io.Reader) (io.Reader, Params, error) {
	p, err := NewParams()
	if err != nil {
		return nil, Params{}, err
	}
	r, err := NewEncryptReader(plaintext, p)
	if err != nil {
		return nil, Params{}, err
	}
	return r, p, nil
}

// NewEncryptReader returns a reader producing the ciphertext of src under p.
func NewEncryptReader(src io.Reader, p Params) (io.Reader, error) {
	aead, err := newAEAD(p)
	if err != nil {
		return nil, err
	}
	return &encryptReader{
		aead:   aead,
		prefix: p.Nonce,
		src:    bufio.NewReaderSize(src, ChunkSize),
		plain:  make([]byte, ChunkSize),
		sealed: make([]byte, 0, ChunkSize+Overhead),
	}, nil
}

// NewDecryptReader returns a reader producing the plaintext of src. The first
// chunk is read and authenticated before NewDecryptReader returns, so a wrong
// key or a damaged header chunk is reported here rather than on first Read.
func NewDecryptReader(src io.Reader, p Params) (io.Reader, error) {
	aead, err := newAEAD(p)
	if err != nil {
		return nil, err
	}
	r := &decryptReader{
		aead:   aead,
		prefix: p.Nonce,
		src:    bufio.NewReaderSize(src, ChunkSize+Overhead),
		sealed: make([]byte, ChunkSize+Overhead),
		plain:  make([]byte, 0, ChunkSize),
	}
	r.openNext()
	if r.err != nil {
		return nil, r.err
	}
	return r, nil
}

func newAEAD(p Params) (cipher.AEAD, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(p.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	return aead, nil
}

func chunkNonce(prefix []byte, counter uint32, last bool) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[NonceSize:], counter)
	if last {
		nonce[len(nonce)-1] = 1
	}
	return nonce
}

type encryptReader struct {
	aead    cipher.AEAD
	prefix  []byte
	src     *bufio.Reader
	plain   []byte
	sealed  []byte
	pending []byte
	counter uint32
	done    bool
	err     error
}

func (r *encryptReader) Read(b []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.sealNext()
	}
	n := copy(b, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *encryptReader) sealNext() {
	n, err := io.ReadFull(r.src, r.plain)
	last := false
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		last = true
	case err != nil:
		r.err = err
		return
	default:
		if _, err := r.src.Peek(1); err == io.EOF {
			last = true
		} else if err != nil {
			r.err = err
			return
		}
	}

	if !last && r.counter == math.MaxUint32 {
		r.err = errors.New("stream exceeds maximum chunk count")
		return
	}

	r.pending = r.aead.Seal(r.sealed[:0], chunkNonce(r.prefix, r.counter, last), r.plain[:n], nil)
	r.counter++
	r.done = last
}

type decryptReader struct {
	aead    cipher.AEAD
	prefix  []byte
	src     *bufio.Reader
	sealed  []byte
	plain   []byte
	pending []byte
	counter uint32
	done    bool
	err     error
}

func (r *decryptReader) Read(b []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.openNext()
	}
	n := copy(b, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *decryptReader) openNext() {
	n, err := io.ReadFull(r.src, r.sealed)
	last := false
	switch {
	case err == io.EOF:
		// Every stream ends with a final chunk, so running out of input
		// here means the tail was cut off.
		r.err = fmt.Errorf("%w: truncated stream", ErrIntegrity)
		return
	case err == io.ErrUnexpectedEOF:
		last = true
	case err != nil:
		r.err = err
		return
	default:
		if _, err := r.src.Peek(1); err == io.EOF {
			last = true
		} else if err != nil {
			r.err = err
			return
		}
	}

	if n < Overhead {
		r.err = fmt.Errorf("%w: short chunk", ErrIntegrity)
		return
	}

	plain, err := r.aead.Open(r.plain[:0], chunkNonce(r.prefix, r.counter, last), r.sealed[:n], nil)
	if err != nil {
		r.err = fmt.Errorf("%w: chunk %d", ErrIntegrity, r.counter)
		return
	}
	r.pending = plain
	r.counter++
	r.done = last
}
