package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/postalsys/cipherline/internal/frame"
)

func pipe() (*frame.Stream, *frame.Stream) {
	a, b := net.Pipe()
	return frame.New(a), frame.New(b)
}

func pairedTransports(t *testing.T) (client, server *Transport) {
	t.Helper()

	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}

	a, b := pipe()

	client, err := New(a, key, 1, -1)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	server, err = New(b, key, -1, 1)
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	return client, server
}

func TestRoundTrip(t *testing.T) {
	client, server := pairedTransports(t)
	defer client.Close()
	defer server.Close()

	msg := []byte("an encrypted payload")

	errc := make(chan error, 1)
	go func() { errc <- client.Write(msg) }()

	got, err := server.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestNoncesNeverRepeat(t *testing.T) {
	client, server := pairedTransports(t)
	defer client.Close()
	defer server.Close()

	seen := make(map[string]bool)
	const n = 50

	go func() {
		for i := 0; i < n; i++ {
			client.Write([]byte("x"))
		}
	}()

	for i := 0; i < n; i++ {
		nonceVal := server.recvNonce
		iv := encodeNonce(nonceVal, server.block.BlockSize())
		if seen[string(iv)] {
			t.Fatalf("nonce IV reused: %x", iv)
		}
		seen[string(iv)] = true

		if _, err := server.Read(); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
}

// TestConcurrentWritesPreserveNonceOrder drives many goroutines writing on
// one Transport at once. Write must hold sendMu across the whole
// encrypt-then-frame-write, not just the nonce capture, or two writers can
// capture nonces n, n+1 and reach the underlying stream write in the
// opposite order; the receiver steps recvNonce strictly in arrival order,
// so a frame encrypted under n+1 arriving before the one encrypted under n
// would be decrypted under the wrong IV.
func TestConcurrentWritesPreserveNonceOrder(t *testing.T) {
	client, server := pairedTransports(t)
	defer client.Close()
	defer server.Close()

	const writers = 8
	const perWriter = 50
	const total = writers * perWriter

	done := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func() {
			for i := 0; i < perWriter; i++ {
				if err := client.Write([]byte("payload")); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}

	readErrs := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			got, err := server.Read()
			if err != nil {
				readErrs <- err
				return
			}
			if string(got) != "payload" {
				readErrs <- errFromRead(i, got)
				return
			}
		}
		readErrs <- nil
	}()

	for w := 0; w < writers; w++ {
		if err := <-done; err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := <-readErrs; err != nil {
		t.Fatalf("Read: %v", err)
	}
}

func errFromRead(i int, got []byte) error {
	return fmt.Errorf("frame %d: got %q, want %q", i, got, "payload")
}

func TestMACTamperRejected(t *testing.T) {
	a, b := net.Pipe()
	fa, fb := frame.New(a), frame.New(b)

	var key [KeySize]byte
	rand.Read(key[:])

	client, err := New(fa, key, 1, -1)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	server, err := New(fb, key, -1, 1)
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	defer client.Close()
	defer server.Close()

	go func() {
		client.sendMu.Lock()
		n := client.sendNonce
		client.sendNonce = stepNonce(n)
		client.sendMu.Unlock()

		iv := encodeNonce(n, client.block.BlockSize())
		plaintext := []byte("tamper me")
		ciphertext := make([]byte, len(plaintext))
		cipher.NewCTR(client.block, iv).XORKeyStream(ciphertext, plaintext)

		// Append a zeroed tag instead of the real HMAC, simulating a
		// tampered or corrupted frame.
		tampered := append(append([]byte(nil), ciphertext...), make([]byte, TagSize)...)
		fa.Write(tampered)
	}()

	if _, err := server.Read(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol from tampered MAC, got %v", err)
	}
	if !server.IsClosed() {
		t.Fatalf("expected transport to close after MAC failure")
	}
}

func TestShortFrameRejected(t *testing.T) {
	a, b := net.Pipe()
	fa, fb := frame.New(a), frame.New(b)

	var key [KeySize]byte
	rand.Read(key[:])

	server, err := New(fb, key, -1, 1)
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	defer server.Close()

	go fa.Write([]byte("short"))

	if _, err := server.Read(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for runt frame, got %v", err)
	}
}

func TestKeyExchangeRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	a, b := pipe()

	clientDone := make(chan error, 1)
	var client *Transport
	go func() {
		var err error
		client, err = ClientExchangeKey(a, &priv.PublicKey)
		clientDone <- err
	}()

	server, err := ServerAcceptKey(b, priv)
	if err != nil {
		t.Fatalf("ServerAcceptKey: %v", err)
	}
	if err := <-clientDone; err != nil {
		t.Fatalf("ClientExchangeKey: %v", err)
	}
	defer client.Close()
	defer server.Close()

	msg := []byte("hello after handshake")
	errc := make(chan error, 1)
	go func() { errc <- client.Write(msg) }()

	got, err := server.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}
