// Package session implements the packet-stream request multiplexer: one
// background reader per connection that correlates replies with pending
// requests, dispatches unsolicited pushes to registered callbacks, and
// falls back to a generic inbound queue for every other packet (the
// authentication exchange, and the requests a server reads).
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/postalsys/cipherline/internal/protocol"
	"github.com/postalsys/cipherline/internal/transport"
)

// ErrStreamClosed is re-exported from transport for callers that only
// import session.
var ErrStreamClosed = transport.ErrStreamClosed

// inboundQueueSize is the buffer of the generic fallback queue, which
// carries the authentication exchange on both sides and every request the
// server's request loop reads. Once it is full the reader loop blocks
// until a caller drains it or the stream closes.
const inboundQueueSize = 8

type result struct {
	pkt protocol.Packet
	err error
}

// Stream multiplexes one full-duplex encrypted transport into correlated
// request/reply pairs, unsolicited callback dispatch, and a generic
// inbound queue. It owns exactly one reader goroutine, started by New.
type Stream struct {
	t *transport.Transport

	mu        sync.Mutex
	pending   map[int64]chan result
	callbacks map[string]func(protocol.Packet)
	closeErr  error

	inbound chan result
	closed  chan struct{}
	once    sync.Once
}

// New wraps t and starts the background reader.
func New(t *transport.Transport) *Stream {
	s := &Stream{
		t:         t,
		pending:   make(map[int64]chan result),
		callbacks: make(map[string]func(protocol.Packet)),
		inbound:   make(chan result, inboundQueueSize),
		closed:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// RegisterCallback installs cb to handle every unsolicited (no
// request_id) packet of the given kind, such as protocol.KindNewMessage.
func (s *Stream) RegisterCallback(kind string, cb func(protocol.Packet)) {
	s.mu.Lock()
	s.callbacks[kind] = cb
	s.mu.Unlock()
}

// WritePacket encodes and writes p directly, without request/reply
// correlation. Used for positional authentication packets and for
// server-side replies and pushes.
func (s *Stream) WritePacket(p protocol.Packet) error {
	raw, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return s.t.Write(raw)
}

// ReadInbound blocks until a packet with no matching pending request and
// no registered callback arrives, or the stream closes. Clients use it for
// the authentication reply; the server uses it for the authentication
// packet and for every request that follows.
func (s *Stream) ReadInbound() (protocol.Packet, error) {
	select {
	case res := <-s.inbound:
		return res.pkt, res.err
	case <-s.closed:
		return nil, s.closeErrOrDefault()
	}
}

// MakeRequest writes p and blocks until the reply carrying the same
// request_id arrives, or the stream closes.
func (s *Stream) MakeRequest(p protocol.Requested) (protocol.Packet, error) {
	id := p.GetRequestID()
	ch := make(chan result, 1)

	s.mu.Lock()
	if s.closeErr != nil {
		s.mu.Unlock()
		return nil, s.closeErr
	}
	if _, exists := s.pending[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: request id %d already pending", id)
	}
	s.pending[id] = ch
	s.mu.Unlock()

	raw, err := protocol.Encode(p)
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	if err := s.t.Write(raw); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	res := <-ch
	return res.pkt, res.err
}

// Close closes the underlying transport, which in turn causes the reader
// goroutine to observe an error and fail every pending waiter.
func (s *Stream) Close() error {
	return s.t.Close()
}

func (s *Stream) closeErrOrDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrStreamClosed
}

func (s *Stream) readLoop() {
	for {
		raw, err := s.t.Read()
		if err != nil {
			s.fail(err)
			return
		}

		pkt, err := protocol.Decode(raw)
		if err != nil {
			s.t.Close()
			s.fail(err)
			return
		}

		s.dispatch(pkt)
	}
}

func (s *Stream) dispatch(pkt protocol.Packet) {
	if req, ok := pkt.(protocol.Requested); ok {
		s.mu.Lock()
		ch, found := s.pending[req.GetRequestID()]
		if found {
			delete(s.pending, req.GetRequestID())
		}
		s.mu.Unlock()

		if found {
			ch <- result{pkt: pkt}
			return
		}
	}

	s.mu.Lock()
	cb, found := s.callbacks[pkt.Kind()]
	s.mu.Unlock()

	if found {
		cb(pkt)
		return
	}

	select {
	case s.inbound <- result{pkt: pkt}:
	case <-s.closed:
	}
}

// fail wakes every pending waiter and the inbound queue with err, exactly
// once, and marks the stream closed for future callers.
func (s *Stream) fail(err error) {
	s.once.Do(func() {
		if errors.Is(err, transport.ErrStreamClosed) {
			err = ErrStreamClosed
		}

		s.mu.Lock()
		s.closeErr = err
		pending := s.pending
		s.pending = make(map[int64]chan result)
		s.mu.Unlock()

		for _, ch := range pending {
			ch <- result{err: err}
		}

		close(s.closed)
	})
}
