package server

import (
	"errors"
	"log/slog"

	"github.com/postalsys/cipherline/internal/identity"
	"github.com/postalsys/cipherline/internal/logging"
	"github.com/postalsys/cipherline/internal/protocol"
	"github.com/postalsys/cipherline/internal/session"
	"github.com/postalsys/cipherline/internal/store"
)

// authenticate reads the single positional authentication packet
// (Register or Login), applies it, and replies. It returns the session's
// now-bound client id and true on success. Any other packet, or a store
// failure outside the declared taxonomy, is a fatal protocol error: the
// stream is closed and false is returned without a reply.
func (s *Server) authenticate(stream *session.Stream, logger *slog.Logger) (identity.ClientID, bool) {
	pkt, err := stream.ReadInbound()
	if err != nil {
		return 0, false
	}

	switch p := pkt.(type) {
	case protocol.Register:
		id, err := s.store.RegisterClient(p.Password)
		if err != nil {
			logger.Error("register failed", logging.KeyError, err)
			stream.Close()
			return 0, false
		}
		if !s.reserveSession(id) {
			logger.Error("register produced an id with a live session", logging.KeyClientID, id.String())
			stream.Close()
			return 0, false
		}
		if err := stream.WritePacket(protocol.NewRegisterSuccess(int64(id))); err != nil {
			s.releaseSession(id)
			return 0, false
		}
		if s.metrics != nil {
			s.metrics.ClientRegistered()
		}
		return id, true

	case protocol.Login:
		id := identity.ClientID(p.ID)
		ok, err := s.checkLogin(id, p.Password)
		if !ok {
			if err != nil {
				logger.Error("login check failed", logging.KeyError, err)
				stream.Close()
				return 0, false
			}
			stream.WritePacket(protocol.NewLoginFail())
			stream.Close()
			return 0, false
		}
		if err := stream.WritePacket(protocol.NewLoginSuccess()); err != nil {
			s.releaseSession(id)
			return 0, false
		}
		return id, true

	default:
		logger.Warn("unexpected packet during authentication", logging.KeyPacketType, pkt.Kind())
		stream.Close()
		return 0, false
	}
}

// checkLogin reports whether id/password authenticate successfully and no
// other live session already holds id. On success, id is reserved in
// s.sessions as part of the same critical section as the liveness check,
// so a second concurrent Login for the same id cannot also pass: the
// check and the reservation are atomic, unlike a separate check followed
// by a later insert in handleConn. Callers that fail to complete
// authentication after a successful reservation must call releaseSession.
// A true error return means the store itself failed unexpectedly (distinct
// from a normal credential mismatch, which just returns false, nil).
func (s *Server) checkLogin(id identity.ClientID, password []byte) (bool, error) {
	ok, err := s.store.CheckPassword(id, password)
	if err != nil {
		if errors.Is(err, store.ErrClientNotExists) {
			return false, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}

	if !s.reserveSession(id) {
		return false, nil
	}

	return true, nil
}

// reserveSession atomically checks that no live session holds id and, if
// none does, reserves it with a nil placeholder so a concurrent
// authentication for the same id cannot also pass the check before this
// session's queue is attached in handleConn.
func (s *Server) reserveSession(id identity.ClientID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.sessions[id]; live {
		return false
	}
	s.sessions[id] = nil
	return true
}

// releaseSession drops a reservation or live session for id. It is safe to
// call even if id was never reserved.
func (s *Server) releaseSession(id identity.ClientID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
