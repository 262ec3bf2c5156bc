package chat

import (
	"context"
	"log/slog"
	"time"

	"unisale/cmd/internal/metrics"
)

// ServiceConfig tunes the Service.
type ServiceConfig struct {
	// ProductRetryAfter is the backoff before a failed product lookup is retried.
	ProductRetryAfter time.Duration
}

// Service is the conversation facade used by transports.
type Service struct {
	log      *slog.Logger
	store    Store
	rooms    *Rooms
	streams  *Streams
	products *ProductCache
}

// NewService wires the core components over store. catalog may be nil, in which case product
// lookups fail with ErrProductResolutionFailed.
func NewService(log *slog.Logger, store Store, catalog ProductFetcher, cfg ServiceConfig) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:      log,
		store:    store,
		rooms:    NewRooms(log, store),
		streams:  NewStreams(log, store, store),
		products: NewProductCache(log, catalog, cfg.ProductRetryAfter),
	}
}

// Products exposes the shared product cache.
func (s *Service) Products() *ProductCache { return s.products }

// ConversationHandle is an opened conversation bound to one actor.
type ConversationHandle struct {
	Room Room

	svc   *Service
	actor ActorID
	role  Role
}

// Role is the actor's side of the conversation.
func (h *ConversationHandle) Role() Role { return h.role }

// CanCompose reports whether the actor may post. Handles are only issued to participants, so
// this re-checks the guard against the stored room.
func (h *ConversationHandle) CanCompose() bool { return CanParticipate(h.actor, h.Room) }

// Subscribe opens the room's message stream.
func (h *ConversationHandle) Subscribe(ctx context.Context, onMessages func([]Message), onError func(error)) (*Subscription, error) {
	return h.svc.streams.Subscribe(ctx, h.Room.ID, onMessages, onError)
}

// Send posts text as the handle's actor.
func (h *ConversationHandle) Send(ctx context.Context, text string) (Message, error) {
	res, err := h.svc.Send(ctx, h.actor, h.Room.ID, text, "")
	if err != nil {
		return Message{}, err
	}
	return res.Stored, nil
}

// OpenConversation ensures the (buyer, seller, product) room exists and returns a handle for
// actor. Outsiders get ErrUnauthorized and no room is created.
func (s *Service) OpenConversation(ctx context.Context, actor ActorID, buyer, seller ActorID, product ProductID) (*ConversationHandle, error) {
	const op = "chat.OpenConversation"

	id, err := DeriveRoomID(buyer, seller, product)
	if err != nil {
		return nil, err
	}
	if actor != buyer && actor != seller {
		s.log.Warn("conversation.open.denied", "room_id", id, "actor_id", int64(actor))
		return nil, OpError{Op: op, Kind: ErrUnauthorized, Msg: "actor is not a participant"}
	}

	room, err := s.rooms.EnsureRoom(ctx, id, buyer, seller, product)
	if err != nil {
		return nil, err
	}
	role, ok := RoleOf(actor, room)
	if !ok {
		return nil, OpError{Op: op, Kind: ErrUnauthorized, Msg: "actor is not a participant"}
	}
	return &ConversationHandle{Room: room, svc: s, actor: actor, role: role}, nil
}

// OpenConversationByID opens an existing or derivable room from its canonical id.
func (s *Service) OpenConversationByID(ctx context.Context, actor ActorID, roomID string) (*ConversationHandle, error) {
	buyer, seller, product, err := ParseRoomID(roomID)
	if err != nil {
		return nil, err
	}
	return s.OpenConversation(ctx, actor, buyer, seller, product)
}

// OpenProductConversation opens the conversation between actor (as buyer) and the product's
// owner (as seller).
func (s *Service) OpenProductConversation(ctx context.Context, actor ActorID, product ProductID) (*ConversationHandle, error) {
	const op = "chat.OpenProductConversation"

	if err := ValidateProductID(product); err != nil {
		return nil, err
	}
	p, err := s.products.Resolve(ctx, product)
	if err != nil {
		return nil, err
	}
	if !p.OwnerID.Valid() {
		return nil, OpError{Op: op, Kind: ErrProductResolutionFailed, Msg: "product has no owner"}
	}
	if p.OwnerID == actor {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "cannot open a conversation with yourself"}
	}
	return s.OpenConversation(ctx, actor, actor, p.OwnerID, product)
}

// Send posts text into roomID as actor. The guard runs against the stored room before any
// write; the role is derived from the room, never taken from the caller.
func (s *Service) Send(ctx context.Context, actor ActorID, roomID, text, clientMsgID string) (AppendMessageResult, error) {
	const op = "chat.Send"

	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return AppendMessageResult{}, err
	}
	role, ok := RoleOf(actor, room)
	if !ok {
		metrics.SendsRejected.WithLabelValues("unauthorized").Inc()
		s.log.Warn("message.send.denied", "room_id", roomID, "actor_id", int64(actor))
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrUnauthorized, Msg: "actor is not a participant"}
	}

	return s.streams.Send(ctx, SendInput{
		RoomID:      room.ID,
		SenderID:    actor,
		SenderRole:  role,
		Text:        text,
		ClientMsgID: clientMsgID,
	})
}

// Subscribe opens roomID's message stream for actor after the guard.
func (s *Service) Subscribe(ctx context.Context, actor ActorID, roomID string, onMessages func([]Message), onError func(error)) (*Subscription, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !CanParticipate(actor, room) {
		return nil, OpError{Op: "chat.Subscribe", Kind: ErrUnauthorized, Msg: "actor is not a participant"}
	}
	return s.streams.Subscribe(ctx, room.ID, onMessages, onError)
}

// OpenConversationList returns an unsubscribed list for actor.
func (s *Service) OpenConversationList(actor ActorID) *ConversationList {
	return newConversationList(s.log, actor, s.store, s.store, s.streams, s.products)
}
