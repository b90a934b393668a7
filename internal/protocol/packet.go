// Package protocol defines the packet taxonomy exchanged over a session's
// encrypted transport and the MessagePack codec that maps packets to and
// from wire bytes.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrProtocol signals a fatal decode failure: an unknown packet type or a
// schema mismatch between the declared type and its fields. Callers must
// treat this as session-ending, never reporting it to the peer as a typed
// reply.
var ErrProtocol = errors.New("protocol: malformed packet")

// Packet is implemented by every value in the packet taxonomy.
type Packet interface {
	Kind() string
}

// Requested is implemented by packets that carry a request_id correlating
// a reply with the request that produced it. Register/Login and their
// replies, and the unsolicited NewMessage push, do not implement this:
// authentication is positional and pushes are uncorrelated by design.
type Requested interface {
	Packet
	GetRequestID() int64
}

// Packet type names as they appear on the wire in the "type" field.
const (
	KindRegister        = "register"
	KindRegisterSuccess = "register_success"
	KindLogin           = "login"
	KindLoginSuccess    = "login_success"
	KindLoginFail       = "login_fail"

	KindGetChannelPeers        = "get_channel_peers"
	KindGetChannelPeersSuccess = "get_channel_peers_success"

	KindGetMessagesCount                 = "get_messages_count"
	KindGetMessagesCountSuccess          = "get_messages_count_success"
	KindGetMessagesCountFailNoSuchClient = "get_messages_count_fail_no_such_client"

	KindSendMessage                 = "send_message"
	KindSendMessageSuccess          = "send_message_success"
	KindSendMessageFailNoSuchClient = "send_message_fail_no_such_client"

	KindGetMessages                 = "get_messages"
	KindGetMessagesSuccess          = "get_messages_success"
	KindGetMessagesFailInvalidRange = "get_messages_fail_invalid_range"

	KindSetEncryptionKeysMessage                 = "set_encryption_keys_message"
	KindSetEncryptionKeysMessageSuccess          = "set_encryption_keys_message_success"
	KindSetEncryptionKeysMessageFailNoSuchClient = "set_encryption_keys_message_fail_no_such_client"
	KindSetEncryptionKeysMessageFailInvalidId    = "set_encryption_keys_message_fail_invalid_id"

	KindGetEncryptionKeysMessage                 = "get_encryption_keys_message"
	KindGetEncryptionKeysMessageSuccess          = "get_encryption_keys_message_success"
	KindGetEncryptionKeysMessageFailNoSuchClient = "get_encryption_keys_message_fail_no_such_client"

	KindNewMessage = "new_message"
)

// WireMessage is the on-the-wire representation of a channel message.
type WireMessage struct {
	Sender  int64  `msgpack:"sender"`
	Content []byte `msgpack:"content"`
}

// --- Authentication (no request_id: positional write-once/read-once) ---

type Register struct {
	Type     string `msgpack:"type"`
	Password []byte `msgpack:"password"`
}

func NewRegister(password []byte) Register {
	return Register{Type: KindRegister, Password: password}
}

func (p Register) Kind() string { return KindRegister }

type RegisterSuccess struct {
	Type string `msgpack:"type"`
	ID   int64  `msgpack:"id"`
}

func NewRegisterSuccess(id int64) RegisterSuccess {
	return RegisterSuccess{Type: KindRegisterSuccess, ID: id}
}

func (p RegisterSuccess) Kind() string { return KindRegisterSuccess }

type Login struct {
	Type     string `msgpack:"type"`
	ID       int64  `msgpack:"id"`
	Password []byte `msgpack:"password"`
}

func NewLogin(id int64, password []byte) Login {
	return Login{Type: KindLogin, ID: id, Password: password}
}

func (p Login) Kind() string { return KindLogin }

type LoginSuccess struct {
	Type string `msgpack:"type"`
}

func NewLoginSuccess() LoginSuccess { return LoginSuccess{Type: KindLoginSuccess} }

func (p LoginSuccess) Kind() string { return KindLoginSuccess }

type LoginFail struct {
	Type string `msgpack:"type"`
}

func NewLoginFail() LoginFail { return LoginFail{Type: KindLoginFail} }

func (p LoginFail) Kind() string { return KindLoginFail }

// --- Channel inspection ---

type GetChannelPeers struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewGetChannelPeers(requestID int64) GetChannelPeers {
	return GetChannelPeers{Type: KindGetChannelPeers, RequestID: requestID}
}

func (p GetChannelPeers) Kind() string         { return KindGetChannelPeers }
func (p GetChannelPeers) GetRequestID() int64   { return p.RequestID }

type GetChannelPeersSuccess struct {
	Type      string  `msgpack:"type"`
	RequestID int64   `msgpack:"request_id"`
	Peers     []int64 `msgpack:"peers"`
}

func NewGetChannelPeersSuccess(requestID int64, peers []int64) GetChannelPeersSuccess {
	return GetChannelPeersSuccess{Type: KindGetChannelPeersSuccess, RequestID: requestID, Peers: peers}
}

func (p GetChannelPeersSuccess) Kind() string       { return KindGetChannelPeersSuccess }
func (p GetChannelPeersSuccess) GetRequestID() int64 { return p.RequestID }

// --- Message count ---

type GetMessagesCount struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
	PeerID    int64  `msgpack:"peer_id"`
}

func NewGetMessagesCount(requestID, peerID int64) GetMessagesCount {
	return GetMessagesCount{Type: KindGetMessagesCount, RequestID: requestID, PeerID: peerID}
}

func (p GetMessagesCount) Kind() string       { return KindGetMessagesCount }
func (p GetMessagesCount) GetRequestID() int64 { return p.RequestID }

type GetMessagesCountSuccess struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
	Count     int64  `msgpack:"count"`
}

func NewGetMessagesCountSuccess(requestID, count int64) GetMessagesCountSuccess {
	return GetMessagesCountSuccess{Type: KindGetMessagesCountSuccess, RequestID: requestID, Count: count}
}

func (p GetMessagesCountSuccess) Kind() string       { return KindGetMessagesCountSuccess }
func (p GetMessagesCountSuccess) GetRequestID() int64 { return p.RequestID }

type GetMessagesCountFailNoSuchClient struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewGetMessagesCountFailNoSuchClient(requestID int64) GetMessagesCountFailNoSuchClient {
	return GetMessagesCountFailNoSuchClient{Type: KindGetMessagesCountFailNoSuchClient, RequestID: requestID}
}

func (p GetMessagesCountFailNoSuchClient) Kind() string { return KindGetMessagesCountFailNoSuchClient }
func (p GetMessagesCountFailNoSuchClient) GetRequestID() int64 { return p.RequestID }

// --- Send ---

type SendMessage struct {
	Type       string `msgpack:"type"`
	RequestID  int64  `msgpack:"request_id"`
	ReceiverID int64  `msgpack:"receiver_id"`
	Content    []byte `msgpack:"content"`
}

func NewSendMessage(requestID, receiverID int64, content []byte) SendMessage {
	return SendMessage{Type: KindSendMessage, RequestID: requestID, ReceiverID: receiverID, Content: content}
}

func (p SendMessage) Kind() string       { return KindSendMessage }
func (p SendMessage) GetRequestID() int64 { return p.RequestID }

type SendMessageSuccess struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewSendMessageSuccess(requestID int64) SendMessageSuccess {
	return SendMessageSuccess{Type: KindSendMessageSuccess, RequestID: requestID}
}

func (p SendMessageSuccess) Kind() string       { return KindSendMessageSuccess }
func (p SendMessageSuccess) GetRequestID() int64 { return p.RequestID }

type SendMessageFailNoSuchClient struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewSendMessageFailNoSuchClient(requestID int64) SendMessageFailNoSuchClient {
	return SendMessageFailNoSuchClient{Type: KindSendMessageFailNoSuchClient, RequestID: requestID}
}

func (p SendMessageFailNoSuchClient) Kind() string       { return KindSendMessageFailNoSuchClient }
func (p SendMessageFailNoSuchClient) GetRequestID() int64 { return p.RequestID }

// --- Range fetch ---

type GetMessages struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
	PeerID    int64  `msgpack:"peer_id"`
	First     int64  `msgpack:"first"`
	Count     int64  `msgpack:"count"`
}

func NewGetMessages(requestID, peerID, first, count int64) GetMessages {
	return GetMessages{Type: KindGetMessages, RequestID: requestID, PeerID: peerID, First: first, Count: count}
}

func (p GetMessages) Kind() string       { return KindGetMessages }
func (p GetMessages) GetRequestID() int64 { return p.RequestID }

type GetMessagesSuccess struct {
	Type      string        `msgpack:"type"`
	RequestID int64         `msgpack:"request_id"`
	Messages  []WireMessage `msgpack:"messages"`
}

func NewGetMessagesSuccess(requestID int64, messages []WireMessage) GetMessagesSuccess {
	return GetMessagesSuccess{Type: KindGetMessagesSuccess, RequestID: requestID, Messages: messages}
}

func (p GetMessagesSuccess) Kind() string       { return KindGetMessagesSuccess }
func (p GetMessagesSuccess) GetRequestID() int64 { return p.RequestID }

type GetMessagesFailInvalidRange struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewGetMessagesFailInvalidRange(requestID int64) GetMessagesFailInvalidRange {
	return GetMessagesFailInvalidRange{Type: KindGetMessagesFailInvalidRange, RequestID: requestID}
}

func (p GetMessagesFailInvalidRange) Kind() string       { return KindGetMessagesFailInvalidRange }
func (p GetMessagesFailInvalidRange) GetRequestID() int64 { return p.RequestID }

// --- Key-bundle pointer set ---

type SetEncryptionKeysMessage struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
	PeerID    int64  `msgpack:"peer_id"`
	MessageID int64  `msgpack:"message_id"`
}

func NewSetEncryptionKeysMessage(requestID, peerID, messageID int64) SetEncryptionKeysMessage {
	return SetEncryptionKeysMessage{
		Type:      KindSetEncryptionKeysMessage,
		RequestID: requestID,
		PeerID:    peerID,
		MessageID: messageID,
	}
}

func (p SetEncryptionKeysMessage) Kind() string       { return KindSetEncryptionKeysMessage }
func (p SetEncryptionKeysMessage) GetRequestID() int64 { return p.RequestID }

type SetEncryptionKeysMessageSuccess struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewSetEncryptionKeysMessageSuccess(requestID int64) SetEncryptionKeysMessageSuccess {
	return SetEncryptionKeysMessageSuccess{Type: KindSetEncryptionKeysMessageSuccess, RequestID: requestID}
}

func (p SetEncryptionKeysMessageSuccess) Kind() string { return KindSetEncryptionKeysMessageSuccess }
func (p SetEncryptionKeysMessageSuccess) GetRequestID() int64 { return p.RequestID }

type SetEncryptionKeysMessageFailNoSuchClient struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewSetEncryptionKeysMessageFailNoSuchClient(requestID int64) SetEncryptionKeysMessageFailNoSuchClient {
	return SetEncryptionKeysMessageFailNoSuchClient{
		Type:      KindSetEncryptionKeysMessageFailNoSuchClient,
		RequestID: requestID,
	}
}

func (p SetEncryptionKeysMessageFailNoSuchClient) Kind() string {
	return KindSetEncryptionKeysMessageFailNoSuchClient
}
func (p SetEncryptionKeysMessageFailNoSuchClient) GetRequestID() int64 { return p.RequestID }

type SetEncryptionKeysMessageFailInvalidId struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewSetEncryptionKeysMessageFailInvalidId(requestID int64) SetEncryptionKeysMessageFailInvalidId {
	return SetEncryptionKeysMessageFailInvalidId{
		Type:      KindSetEncryptionKeysMessageFailInvalidId,
		RequestID: requestID,
	}
}

func (p SetEncryptionKeysMessageFailInvalidId) Kind() string {
	return KindSetEncryptionKeysMessageFailInvalidId
}
func (p SetEncryptionKeysMessageFailInvalidId) GetRequestID() int64 { return p.RequestID }

// --- Key-bundle pointer get ---

type GetEncryptionKeysMessage struct {
	Type        string `msgpack:"type"`
	RequestID   int64  `msgpack:"request_id"`
	KeysOwnerID int64  `msgpack:"keys_owner_id"`
	PeerID      int64  `msgpack:"peer_id"`
}

func NewGetEncryptionKeysMessage(requestID, keysOwnerID, peerID int64) GetEncryptionKeysMessage {
	return GetEncryptionKeysMessage{
		Type:        KindGetEncryptionKeysMessage,
		RequestID:   requestID,
		KeysOwnerID: keysOwnerID,
		PeerID:      peerID,
	}
}

func (p GetEncryptionKeysMessage) Kind() string       { return KindGetEncryptionKeysMessage }
func (p GetEncryptionKeysMessage) GetRequestID() int64 { return p.RequestID }

// GetEncryptionKeysMessageSuccess carries an optional message index: nil
// when the owner has not set a key-bundle pointer for this channel.
type GetEncryptionKeysMessageSuccess struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
	MessageID *int64 `msgpack:"message_id"`
}

func NewGetEncryptionKeysMessageSuccess(requestID int64, messageID *int64) GetEncryptionKeysMessageSuccess {
	return GetEncryptionKeysMessageSuccess{
		Type:      KindGetEncryptionKeysMessageSuccess,
		RequestID: requestID,
		MessageID: messageID,
	}
}

func (p GetEncryptionKeysMessageSuccess) Kind() string { return KindGetEncryptionKeysMessageSuccess }
func (p GetEncryptionKeysMessageSuccess) GetRequestID() int64 { return p.RequestID }

type GetEncryptionKeysMessageFailNoSuchClient struct {
	Type      string `msgpack:"type"`
	RequestID int64  `msgpack:"request_id"`
}

func NewGetEncryptionKeysMessageFailNoSuchClient(requestID int64) GetEncryptionKeysMessageFailNoSuchClient {
	return GetEncryptionKeysMessageFailNoSuchClient{
		Type:      KindGetEncryptionKeysMessageFailNoSuchClient,
		RequestID: requestID,
	}
}

func (p GetEncryptionKeysMessageFailNoSuchClient) Kind() string {
	return KindGetEncryptionKeysMessageFailNoSuchClient
}
func (p GetEncryptionKeysMessageFailNoSuchClient) GetRequestID() int64 { return p.RequestID }

// --- Server push ---

// NewMessagePush is the unsolicited server push delivering a freshly
// stored message to whichever peer is online to receive it. It is named
// with a "Push" suffix in Go to avoid colliding with the built-in
// new/message vocabulary; its wire type is still "new_message".
type NewMessagePush struct {
	Type    string      `msgpack:"type"`
	Message WireMessage `msgpack:"message"`
}

func NewNewMessagePush(message WireMessage) NewMessagePush {
	return NewMessagePush{Type: KindNewMessage, Message: message}
}

func (p NewMessagePush) Kind() string { return KindNewMessage }

// Encode serializes a packet to its MessagePack wire representation.
func Encode(p Packet) ([]byte, error) {
	b, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", p.Kind(), err)
	}
	return b, nil
}

// Decode inspects the wire "type" field and unmarshals raw into the
// matching concrete packet type. An unknown type or a field that does
// not match the declared schema is ErrProtocol.
func Decode(raw []byte) (Packet, error) {
	var head struct {
		Type string `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	schemaErr := func(err error) (Packet, error) {
		return nil, fmt.Errorf("%w: %s: %v", ErrProtocol, head.Type, err)
	}

	switch head.Type {
	case KindRegister:
		var p Register
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindRegisterSuccess:
		var p RegisterSuccess
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindLogin:
		var p Login
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindLoginSuccess:
		var p LoginSuccess
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindLoginFail:
		var p LoginFail
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetChannelPeers:
		var p GetChannelPeers
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetChannelPeersSuccess:
		var p GetChannelPeersSuccess
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetMessagesCount:
		var p GetMessagesCount
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetMessagesCountSuccess:
		var p GetMessagesCountSuccess
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetMessagesCountFailNoSuchClient:
		var p GetMessagesCountFailNoSuchClient
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindSendMessage:
		var p SendMessage
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindSendMessageSuccess:
		var p SendMessageSuccess
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindSendMessageFailNoSuchClient:
		var p SendMessageFailNoSuchClient
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetMessages:
		var p GetMessages
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetMessagesSuccess:
		var p GetMessagesSuccess
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetMessagesFailInvalidRange:
		var p GetMessagesFailInvalidRange
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindSetEncryptionKeysMessage:
		var p SetEncryptionKeysMessage
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindSetEncryptionKeysMessageSuccess:
		var p SetEncryptionKeysMessageSuccess
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindSetEncryptionKeysMessageFailNoSuchClient:
		var p SetEncryptionKeysMessageFailNoSuchClient
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindSetEncryptionKeysMessageFailInvalidId:
		var p SetEncryptionKeysMessageFailInvalidId
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetEncryptionKeysMessage:
		var p GetEncryptionKeysMessage
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetEncryptionKeysMessageSuccess:
		var p GetEncryptionKeysMessageSuccess
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindGetEncryptionKeysMessageFailNoSuchClient:
		var p GetEncryptionKeysMessageFailNoSuchClient
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	case KindNewMessage:
		var p NewMessagePush
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return schemaErr(err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown packet type %q", ErrProtocol, head.Type)
	}
}
