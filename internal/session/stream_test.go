package session

import (
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/cipherline/internal/frame"
	"github.com/postalsys/cipherline/internal/protocol"
	"github.com/postalsys/cipherline/internal/transport"
)

func pairedStreams(t *testing.T) (client, server *Stream) {
	t.Helper()

	var key [transport.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}

	a, b := net.Pipe()
	fa, fb := frame.New(a), frame.New(b)

	ta, err := transport.New(fa, key, 1, -1)
	if err != nil {
		t.Fatalf("transport.New client: %v", err)
	}
	tb, err := transport.New(fb, key, -1, 1)
	if err != nil {
		t.Fatalf("transport.New server: %v", err)
	}

	return New(ta), New(tb)
}

func TestMakeRequestRoundTrip(t *testing.T) {
	client, server := pairedStreams(t)
	defer client.Close()
	defer server.Close()

	go func() {
		pkt, err := server.ReadInbound()
		if err != nil {
			return
		}
		req := pkt.(protocol.GetMessagesCount)
		server.WritePacket(protocol.NewGetMessagesCountSuccess(req.RequestID, 5))
	}()

	reply, err := client.MakeRequest(protocol.NewGetMessagesCount(1, 99))
	if err != nil {
		t.Fatalf("MakeRequest: %v", err)
	}
	success, ok := reply.(protocol.GetMessagesCountSuccess)
	if !ok {
		t.Fatalf("expected GetMessagesCountSuccess, got %#v", reply)
	}
	if success.Count != 5 {
		t.Fatalf("got count %d, want 5", success.Count)
	}
}

func TestUnsolicitedCallbackDispatch(t *testing.T) {
	client, server := pairedStreams(t)
	defer client.Close()
	defer server.Close()

	received := make(chan protocol.NewMessagePush, 1)
	client.RegisterCallback(protocol.KindNewMessage, func(p protocol.Packet) {
		received <- p.(protocol.NewMessagePush)
	})

	push := protocol.NewNewMessagePush(protocol.WireMessage{Sender: 7, Content: []byte("hi")})
	if err := server.WritePacket(push); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	select {
	case got := <-received:
		if got.Message.Sender != 7 || string(got.Message.Content) != "hi" {
			t.Fatalf("unexpected push: %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callback dispatch")
	}
}

func TestReadInboundFallback(t *testing.T) {
	client, server := pairedStreams(t)
	defer client.Close()
	defer server.Close()

	if err := client.WritePacket(protocol.NewRegister([]byte("pw"))); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	pkt, err := server.ReadInbound()
	if err != nil {
		t.Fatalf("ReadInbound: %v", err)
	}
	reg, ok := pkt.(protocol.Register)
	if !ok {
		t.Fatalf("expected Register, got %#v", pkt)
	}
	if string(reg.Password) != "pw" {
		t.Fatalf("got password %q, want %q", reg.Password, "pw")
	}
}

func TestCloseFailsPendingRequest(t *testing.T) {
	client, server := pairedStreams(t)
	defer server.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := client.MakeRequest(protocol.NewGetMessagesCount(1, 99))
		errc <- err
	}()

	// Give the request a moment to register before closing underneath it.
	time.Sleep(10 * time.Millisecond)
	client.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending request to fail")
	}
}
