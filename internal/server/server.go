// Package server implements the server-side session machine: per
// connection, key exchange, register-or-login, then a request loop
// running alongside a concurrent push pump that delivers incoming
// messages to the client as they arrive.
package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/cipherline/internal/frame"
	"github.com/postalsys/cipherline/internal/identity"
	"github.com/postalsys/cipherline/internal/logging"
	"github.com/postalsys/cipherline/internal/protocol"
	"github.com/postalsys/cipherline/internal/session"
	"github.com/postalsys/cipherline/internal/store"
	"github.com/postalsys/cipherline/internal/transport"
)

// Server accepts connections, runs the per-connection session machine,
// and owns the server-wide map of live client ids to their push queues.
type Server struct {
	store   store.Store
	priv    *rsa.PrivateKey
	log     *slog.Logger
	metrics Metrics

	mu       sync.Mutex
	sessions map[identity.ClientID]*pushQueue
}

// New builds a Server over st, accepting key exchanges with priv. metrics
// may be nil.
func New(st store.Store, priv *rsa.PrivateKey, log *slog.Logger, metrics Metrics) *Server {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Server{
		store:    st,
		priv:     priv,
		log:      log,
		metrics:  metrics,
		sessions: make(map[identity.ClientID]*pushQueue),
	}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
// Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	logger := s.log.With(logging.KeyRemoteAddr, conn.RemoteAddr().String())

	tr, err := transport.ServerAcceptKey(frame.New(conn), s.priv)
	if err != nil {
		logger.Warn("key exchange failed", logging.KeyError, err)
		return
	}

	stream := session.New(tr)
	defer stream.Close()

	clientID, ok := s.authenticate(stream, logger)
	if !ok {
		return
	}

	logger = logger.With(logging.KeyClientID, clientID.String())

	// authenticate has already reserved clientID in s.sessions (as a nil
	// placeholder) under the same critical section as its liveness check;
	// this just swaps in the real queue.
	queue := newPushQueue()
	s.mu.Lock()
	s.sessions[clientID] = queue
	sessionCount := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionStarted()
		s.metrics.PushQueueDepth(sessionCount, 0)
	}

	pumpDone := make(chan struct{})
	go s.pushPump(stream, queue, pumpDone)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, clientID)
		s.mu.Unlock()

		queue.Close()
		<-pumpDone

		if s.metrics != nil {
			s.metrics.SessionEnded()
		}
	}()

	logger.Info("session authenticated")
	s.requestLoop(stream, clientID, logger)
}

func (s *Server) pushPump(stream *session.Stream, queue *pushQueue, done chan struct{}) {
	defer close(done)

	for {
		msg, ok := queue.Dequeue()
		if !ok {
			return
		}

		pkt := protocol.NewNewMessagePush(protocol.WireMessage{
			Sender:  int64(msg.Sender),
			Content: msg.Content,
		})
		if err := stream.WritePacket(pkt); err != nil {
			return
		}
	}
}

func (s *Server) requestLoop(stream *session.Stream, clientID identity.ClientID, logger *slog.Logger) {
	for {
		pkt, err := stream.ReadInbound()
		if err != nil {
			if !errors.Is(err, session.ErrStreamClosed) {
				logger.Warn("session ended", logging.KeyError, err)
			}
			return
		}

		if !s.handleRequest(stream, clientID, pkt, logger) {
			return
		}
	}
}
