package chat

import (
	"context"
	"time"
)

// RoomStore persists room metadata records.
//
// Requirements:
//   - GetRoom returns ErrNotFound for an unknown id
//   - CreateRoomIfAbsent is atomic: concurrent callers observe exactly one record
//   - Creating a room notifies ActorTopic for both participants
type RoomStore interface {
	GetRoom(ctx context.Context, roomID string) (Room, error)
	CreateRoomIfAbsent(ctx context.Context, room Room) (stored Room, created bool, err error)
	ListRoomsByParticipant(ctx context.Context, actor ActorID) ([]Room, error)
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (room_id, client_msg_id) when a client id is given
//   - Monotonic seq per room (no gaps for duplicates)
//   - Server-assigned timestamps strictly increase within a room
//   - Appending to an unknown room returns ErrNotFound
//   - Every append notifies RoomTopic
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	ListMessages(ctx context.Context, roomID string) ([]Message, error)
}

// Notifier exposes the store's change feed.
type Notifier interface {
	Watch(topic Topic) *Watch
}

// Store is a complete conversation backend.
type Store interface {
	RoomStore
	MessageStore
	Notifier
	Close() error
}

// AppendMessageInput describes a message append request. A zero Timestamp asks the store to
// assign one.
type AppendMessageInput struct {
	RoomID      string
	ClientMsgID string
	SenderID    ActorID
	SenderRole  Role
	Text        string
	Timestamp   time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     Message
	Duplicated bool
}

func (in AppendMessageInput) validate(op string) error {
	if in.RoomID == "" || !in.SenderID.Valid() || !in.SenderRole.Valid() {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "room, sender and role are required"}
	}
	if in.Text == "" {
		return OpError{Op: op, Kind: ErrEmptyMessage}
	}
	if len(in.ClientMsgID) > maxClientMsgIDLen {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "client_msg_id too long"}
	}
	return nil
}

const maxClientMsgIDLen = 128
