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

// handleRequest dispatches one post-authentication request packet to the
// store and writes the matching reply. It returns false when the session
// must end: either the stream closed mid-reply or the packet or store
// failure didn't match any declared taxonomy entry (a fatal protocol
// error).
func (s *Server) handleRequest(stream *session.Stream, clientID identity.ClientID, pkt protocol.Packet, logger *slog.Logger) bool {
	switch p := pkt.(type) {
	case protocol.GetChannelPeers:
		return s.handleGetChannelPeers(stream, clientID, p)
	case protocol.GetMessagesCount:
		return s.handleGetMessagesCount(stream, clientID, p)
	case protocol.SendMessage:
		return s.handleSendMessage(stream, clientID, p, logger)
	case protocol.GetMessages:
		return s.handleGetMessages(stream, clientID, p)
	case protocol.SetEncryptionKeysMessage:
		return s.handleSetEncryptionKeysMessage(stream, clientID, p)
	case protocol.GetEncryptionKeysMessage:
		return s.handleGetEncryptionKeysMessage(stream, p)
	default:
		logger.Warn("unexpected packet in request loop", logging.KeyPacketType, pkt.Kind())
		stream.Close()
		return false
	}
}

func (s *Server) handleGetChannelPeers(stream *session.Stream, clientID identity.ClientID, p protocol.GetChannelPeers) bool {
	peers, err := s.store.GetChannelPeers(clientID)
	if err != nil {
		stream.Close()
		return false
	}

	peerIDs := make([]int64, len(peers))
	for i, peer := range peers {
		peerIDs[i] = int64(peer)
	}
	return stream.WritePacket(protocol.NewGetChannelPeersSuccess(p.RequestID, peerIDs)) == nil
}

func (s *Server) handleGetMessagesCount(stream *session.Stream, clientID identity.ClientID, p protocol.GetMessagesCount) bool {
	channel := identity.NewChannelID(clientID, identity.ClientID(p.PeerID))

	count, err := s.store.GetMessagesCount(channel)
	switch {
	case err == nil:
		return stream.WritePacket(protocol.NewGetMessagesCountSuccess(p.RequestID, int64(count))) == nil
	case errors.Is(err, store.ErrChannelNotExists):
		return stream.WritePacket(protocol.NewGetMessagesCountFailNoSuchClient(p.RequestID)) == nil
	default:
		stream.Close()
		return false
	}
}

func (s *Server) handleSendMessage(stream *session.Stream, clientID identity.ClientID, p protocol.SendMessage, logger *slog.Logger) bool {
	receiverID := identity.ClientID(p.ReceiverID)

	err := s.store.AddMessage(clientID, receiverID, p.Content)
	switch {
	case err == nil:
		// The recipient's NewMessage push must be enqueued before the
		// sender observes the success reply (§5).
		s.mu.Lock()
		queue, live := s.sessions[receiverID]
		sessionCount := len(s.sessions)
		s.mu.Unlock()
		if live && queue != nil {
			queue.Enqueue(store.Message{Sender: clientID, Content: p.Content})
			if s.metrics != nil {
				s.metrics.PushQueueDepth(sessionCount, queue.Len())
			}
		}
		if s.metrics != nil {
			s.metrics.MessageRelayed()
		}
		return stream.WritePacket(protocol.NewSendMessageSuccess(p.RequestID)) == nil
	case errors.Is(err, store.ErrClientNotExists):
		return stream.WritePacket(protocol.NewSendMessageFailNoSuchClient(p.RequestID)) == nil
	default:
		logger.Error("add message failed", logging.KeyError, err)
		stream.Close()
		return false
	}
}

func (s *Server) handleGetMessages(stream *session.Stream, clientID identity.ClientID, p protocol.GetMessages) bool {
	channel := identity.NewChannelID(clientID, identity.ClientID(p.PeerID))

	messages, err := s.store.GetMessages(channel, int(p.First), int(p.Count))
	switch {
	case err == nil:
		wire := make([]protocol.WireMessage, len(messages))
		for i, m := range messages {
			wire[i] = protocol.WireMessage{Sender: int64(m.Sender), Content: m.Content}
		}
		return stream.WritePacket(protocol.NewGetMessagesSuccess(p.RequestID, wire)) == nil
	case errors.Is(err, store.ErrInvalidRange), errors.Is(err, store.ErrChannelNotExists):
		// A channel that doesn't exist yet is reported the same way as
		// an out-of-bounds range against a real channel, for every
		// range including first=0, count=0 (§9 decisions).
		return stream.WritePacket(protocol.NewGetMessagesFailInvalidRange(p.RequestID)) == nil
	default:
		stream.Close()
		return false
	}
}

func (s *Server) handleSetEncryptionKeysMessage(stream *session.Stream, clientID identity.ClientID, p protocol.SetEncryptionKeysMessage) bool {
	channel := identity.NewChannelID(clientID, identity.ClientID(p.PeerID))

	err := s.store.SetEncryptionKeysMessage(channel, clientID, int(p.MessageID))
	switch {
	case err == nil:
		return stream.WritePacket(protocol.NewSetEncryptionKeysMessageSuccess(p.RequestID)) == nil
	case errors.Is(err, store.ErrChannelNotExists):
		// §9(c): no channel yet is reported as NoSuchClient.
		return stream.WritePacket(protocol.NewSetEncryptionKeysMessageFailNoSuchClient(p.RequestID)) == nil
	case errors.Is(err, store.ErrInvalidId):
		return stream.WritePacket(protocol.NewSetEncryptionKeysMessageFailInvalidId(p.RequestID)) == nil
	default:
		stream.Close()
		return false
	}
}

func (s *Server) handleGetEncryptionKeysMessage(stream *session.Stream, p protocol.GetEncryptionKeysMessage) bool {
	owner := identity.ClientID(p.KeysOwnerID)
	channel := identity.NewChannelID(owner, identity.ClientID(p.PeerID))

	messageID, err := s.store.GetEncryptionKeysMessage(channel, owner)
	switch {
	case err == nil:
		var id *int64
		if messageID != nil {
			v := int64(*messageID)
			id = &v
		}
		return stream.WritePacket(protocol.NewGetEncryptionKeysMessageSuccess(p.RequestID, id)) == nil
	case errors.Is(err, store.ErrChannelNotExists):
		return stream.WritePacket(protocol.NewGetEncryptionKeysMessageFailNoSuchClient(p.RequestID)) == nil
	default:
		stream.Close()
		return false
	}
}
