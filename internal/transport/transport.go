// Package transport implements the encrypted session transport that sits
// on top of the frame layer: AES-256-CTR encryption with an HMAC-SHA256
// "encrypt-then-MAC" tag, using per-direction monotonically advancing
// signed nonces established once by an RSA-OAEP key exchange.
package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/postalsys/cipherline/internal/frame"
)

// KeySize is the AES-256 session key size in bytes.
const KeySize = 32

// TagSize is the size of the appended HMAC-SHA256 authentication tag.
const TagSize = sha256.Size

// ErrProtocol signals a fatal, unrecoverable transport-level violation:
// a failed MAC, a runt frame, or any other condition that leaves the
// cipher stream state ambiguous. The transport must be closed after this
// error is observed.
var ErrProtocol = errors.New("transport: protocol error")

// ErrStreamClosed is re-exported from frame so callers of this package
// don't need to import frame directly to check for it.
var ErrStreamClosed = frame.ErrStreamClosed

// Transport wraps a frame.Stream with per-frame AES-CTR encryption and an
// HMAC-SHA256 tag. Each direction owns an independent signed nonce counter
// that starts at the value negotiated during key exchange and moves away
// from zero after every use, guaranteeing no nonce is reused within a
// session in either direction.
type Transport struct {
	stream *frame.Stream
	block  cipher.Block
	key    []byte

	sendMu    sync.Mutex
	sendNonce int64

	recvMu    sync.Mutex
	recvNonce int64
}

// New builds a Transport over stream using key for both AES-CTR and
// HMAC-SHA256, with ourNonce/peerNonce as the initial per-direction
// counters (see §4.2: client starts at (+1,-1), server at (-1,+1)).
func New(stream *frame.Stream, key [KeySize]byte, ourNonce, peerNonce int64) (*Transport, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("transport: new cipher: %w", err)
	}
	return &Transport{
		stream:    stream,
		block:     block,
		key:       append([]byte(nil), key[:]...),
		sendNonce: ourNonce,
		recvNonce: peerNonce,
	}, nil
}

// stepNonce advances a nonce away from zero, never crossing it.
func stepNonce(n int64) int64 {
	if n > 0 {
		return n + 1
	}
	return n - 1
}

// encodeNonce renders a signed nonce as a little-endian IV sized to the
// cipher's block size. The spec describes the nonce as encoded at key
// length (32 bytes); crypto/cipher's CTR mode requires an IV equal to the
// block size (16 bytes for AES), so the value is encoded at block-size
// width with the same little-endian, sign-extended layout. The counter
// space (a 64-bit signed integer) is unaffected: this only changes how
// many zero/0xFF padding bytes carry the sign out to the IV's width.
func encodeNonce(n int64, size int) []byte {
	iv := make([]byte, size)
	binary.LittleEndian.PutUint64(iv[:8], uint64(n))
	if n < 0 {
		for i := 8; i < size; i++ {
			iv[i] = 0xFF
		}
	}
	return iv
}

// Write encrypts payload and writes ciphertext||tag as one frame. sendMu is
// held across the whole encrypt-then-write, not just the nonce capture, so
// concurrent callers (e.g. a request reply racing a server push) hand
// frames to the frame layer in the same order their nonces were consumed.
// Releasing the lock before the write would let two goroutines capture
// nonces n, n+1 and then reach the write in the opposite order, and the
// receiver's recvNonce steps strictly in arrival order, so the nonce used
// to decrypt would no longer match the nonce used to encrypt.
func (t *Transport) Write(payload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	n := t.sendNonce
	t.sendNonce = stepNonce(n)

	iv := encodeNonce(n, t.block.BlockSize())
	ciphertext := make([]byte, len(payload))
	cipher.NewCTR(t.block, iv).XORKeyStream(ciphertext, payload)

	mac := hmac.New(sha256.New, t.key)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	frameBytes := make([]byte, 0, len(ciphertext)+len(tag))
	frameBytes = append(frameBytes, ciphertext...)
	frameBytes = append(frameBytes, tag...)

	return t.stream.Write(frameBytes)
}

// Read reads the next frame, verifies its HMAC tag, and decrypts it. A
// failed MAC or a frame shorter than the tag size is a fatal ErrProtocol
// and the transport is closed.
func (t *Transport) Read() ([]byte, error) {
	raw, err := t.stream.Read()
	if err != nil {
		return nil, err
	}

	if len(raw) < TagSize {
		t.stream.Close()
		return nil, fmt.Errorf("%w: frame shorter than MAC tag", ErrProtocol)
	}

	ciphertext, tag := raw[:len(raw)-TagSize], raw[len(raw)-TagSize:]

	mac := hmac.New(sha256.New, t.key)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, tag) {
		t.stream.Close()
		return nil, fmt.Errorf("%w: MAC verification failed", ErrProtocol)
	}

	t.recvMu.Lock()
	n := t.recvNonce
	t.recvNonce = stepNonce(n)
	t.recvMu.Unlock()

	iv := encodeNonce(n, t.block.BlockSize())
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(t.block, iv).XORKeyStream(plaintext, ciphertext)

	return plaintext, nil
}

// Close closes the underlying frame stream.
func (t *Transport) Close() error {
	return t.stream.Close()
}

// IsClosed reports whether the underlying stream has been closed.
func (t *Transport) IsClosed() bool {
	return t.stream.IsClosed()
}
