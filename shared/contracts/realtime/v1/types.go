// Package v1 defines the Unisale Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for this contract.
const Subprotocol = "unisale.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationOpen opens (creating if needed) a conversation and streams it (client -> server).
	TypeConversationOpen = "conversation_open"
	// TypeConversationOpened confirms an open (server -> client).
	TypeConversationOpened = "conversation_opened"
	// TypeConversationClose stops streaming a conversation (client -> server).
	TypeConversationClose = "conversation_close"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageList carries the full ordered message sequence of a room (server -> client).
	TypeMessageList = "message_list"

	// TypeConversationListSubscribe starts the live conversation list (client -> server).
	TypeConversationListSubscribe = "conversation_list_subscribe"
	// TypeConversationListUnsubscribe stops the live conversation list (client -> server).
	TypeConversationListUnsubscribe = "conversation_list_unsubscribe"
	// TypeConversationList carries the whole conversation list (server -> client).
	TypeConversationList = "conversation_list"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes (wire-stable).
const (
	CodeStoreUnavailable   = "store_unavailable"
	CodeUnauthorized       = "unauthorized"
	CodeEmptyMessage       = "empty_message"
	CodeInvalidInput       = "invalid_input"
	CodeNotFound           = "not_found"
	CodeProductUnavailable = "product_unavailable"
	CodeReauthenticate     = "reauthenticate"
	CodeRateLimited        = "rate_limited"
	CodeBadEnvelope        = "bad_envelope"
	CodeBadJSON            = "bad_json"
	CodeUnsupported        = "unsupported"
	CodeInternal           = "internal_error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationOpen,
		TypeConversationOpened,
		TypeConversationClose,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageList,
		TypeConversationListSubscribe,
		TypeConversationListUnsubscribe,
		TypeConversationList,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload confirms the session and the resolved actor.
type HelloAckPayload struct {
	SessionID   string `json:"session_id"`
	ActorID     int64  `json:"actor_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ConversationOpenPayload opens a conversation. Either all three ids are given, or only
// ProductID (contact-seller flow: the caller is the buyer, the product owner the seller), or
// only RoomID (reopening a room from the conversation list).
type ConversationOpenPayload struct {
	RoomID    string `json:"room_id,omitempty"`
	BuyerID   int64  `json:"buyer_id,omitempty"`
	SellerID  int64  `json:"seller_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

// Room is the wire form of a room record.
type Room struct {
	ID        string    `json:"id"`
	BuyerID   int64     `json:"buyer_id"`
	SellerID  int64     `json:"seller_id"`
	ProductID string    `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationOpenedPayload confirms an open. Message lists follow as TypeMessageList.
type ConversationOpenedPayload struct {
	Room       Room   `json:"room"`
	Role       string `json:"role"`
	CanCompose bool   `json:"can_compose"`
}

// ConversationClosePayload stops streaming a room.
type ConversationClosePayload struct {
	RoomID string `json:"room_id"`
}

// MessageSendPayload requests sending a message into a room.
type MessageSendPayload struct {
	RoomID      string `json:"room_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Text        string `json:"text"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	RoomID      string `json:"room_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	MessageID   string `json:"message_id"`
	Seq         int64  `json:"seq"`
	Duplicated  bool   `json:"duplicated"`
}

// Message is the wire form of a stored message.
type Message struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	SenderID    int64     `json:"sender_id"`
	SenderRole  string    `json:"sender_role"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// MessageListPayload is the full ordered message sequence of a room.
type MessageListPayload struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
}

// Product is the wire form of product display metadata.
type Product struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
	OwnerID  int64  `json:"owner_id"`
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	Room        Room     `json:"room"`
	Product     *Product `json:"product,omitempty"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// List orders accepted by conversation_list_subscribe.
const (
	// ListOrderCreated orders conversations by room creation (default).
	ListOrderCreated = "created"
	// ListOrderRecency puts the most recently active conversation first.
	ListOrderRecency = "recency"
)

// ConversationListSubscribePayload selects the list order. It may be omitted.
type ConversationListSubscribePayload struct {
	Order string `json:"order,omitempty"`
}

// ConversationListPayload is the whole conversation list.
type ConversationListPayload struct {
	Conversations []Conversation `json:"conversations"`
}

// ErrorPayload is a generic error response payload. RoomID scopes the error to one room.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
}
