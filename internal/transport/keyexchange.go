package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/postalsys/cipherline/internal/frame"
)

// ClientExchangeKey performs the client side of the one-shot key exchange:
// it generates a random 32-byte session key, wraps it under the server's
// RSA public key with OAEP (MGF1/SHA-256), and sends it as a single,
// unencrypted frame. The returned Transport starts its own nonce at +1 and
// the peer's at -1, per §4.2.
func ClientExchangeKey(stream *frame.Stream, serverPub *rsa.PublicKey) (*Transport, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("transport: generate session key: %w", err)
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, serverPub, key[:], nil)
	if err != nil {
		return nil, fmt.Errorf("transport: wrap session key: %w", err)
	}

	if err := stream.Write(ciphertext); err != nil {
		return nil, err
	}

	return New(stream, key, 1, -1)
}

// ServerAcceptKey performs the server side of the one-shot key exchange:
// it reads the single wrapped-key frame and unwraps it with the server's
// RSA private key. The returned Transport starts its own nonce at -1 and
// the peer's at +1, per §4.2.
func ServerAcceptKey(stream *frame.Stream, serverPriv *rsa.PrivateKey) (*Transport, error) {
	ciphertext, err := stream.Read()
	if err != nil {
		return nil, err
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, serverPriv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap session key: %v", ErrProtocol, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped session key has wrong length", ErrProtocol)
	}

	var fixed [KeySize]byte
	copy(fixed[:], key)

	return New(stream, fixed, -1, 1)
}
