package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"unisale/cmd/internal/chat"
	v1 "unisale/shared/contracts/realtime/v1"
)

// connection is the per-socket state. Only the read loop touches rooms and list; subscription
// callbacks run on their own goroutines and only enqueue.
type connection struct {
	g      *WSGateway
	ctx    context.Context
	client *Client

	rooms map[string]*chat.Subscription
	list  *chat.ConversationList

	// Read by the list callback, written by the read loop.
	byRecency atomic.Bool
}

func (c *connection) actor() chat.ActorID { return c.client.Actor.ID }

func (c *connection) dispatch(env v1.Envelope) {
	var (
		roomID string
		err    error
	)

	switch env.Type {
	case v1.TypeHello:
		err = c.onHello()
	case v1.TypeConversationOpen:
		roomID, err = c.onOpen(env)
	case v1.TypeConversationClose:
		roomID, err = c.onClose(env)
	case v1.TypeMessageSend:
		roomID, err = c.onMessageSend(env)
	case v1.TypeConversationListSubscribe:
		err = c.onListSubscribe(env)
	case v1.TypeConversationListUnsubscribe:
		c.onListUnsubscribe()
	default:
		c.sendCode(v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), "")
		return
	}

	if err != nil {
		c.sendError(err, roomID)
	}
}

// ---- handlers ----

func (c *connection) onHello() error {
	return c.push(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID:   c.client.SessionID,
		ActorID:     int64(c.actor()),
		DisplayName: c.client.Actor.DisplayName,
	})
}

func (c *connection) onOpen(env v1.Envelope) (string, error) {
	var p v1.ConversationOpenPayload
	if err := decodePayload(env, &p); err != nil {
		return "", chat.OpError{Op: "ws.conversation_open", Kind: chat.ErrInvalidInput, Err: err}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.g.cfg.OpTimeout)
	defer cancel()

	roomID := strings.TrimSpace(p.RoomID)
	product := chat.ProductID(strings.TrimSpace(p.ProductID))

	var (
		h   *chat.ConversationHandle
		err error
	)
	switch {
	case roomID != "":
		h, err = c.g.svc.OpenConversationByID(ctx, c.actor(), roomID)
	case p.BuyerID == 0 && p.SellerID == 0:
		h, err = c.g.svc.OpenProductConversation(ctx, c.actor(), product)
	default:
		h, err = c.g.svc.OpenConversation(ctx, c.actor(), chat.ActorID(p.BuyerID), chat.ActorID(p.SellerID), product)
	}
	if err != nil {
		return roomID, err
	}
	roomID = h.Room.ID

	if err := c.push(v1.TypeConversationOpened, v1.ConversationOpenedPayload{
		Room:       wireRoom(h.Room),
		Role:       string(h.Role()),
		CanCompose: h.CanCompose(),
	}); err != nil {
		return roomID, err
	}

	// Reopening restarts the stream so the client gets a fresh full list.
	if old, ok := c.rooms[roomID]; ok {
		old.Cancel()
		delete(c.rooms, roomID)
	}

	sub, err := h.Subscribe(c.ctx,
		func(msgs []chat.Message) {
			_ = c.push(v1.TypeMessageList, v1.MessageListPayload{RoomID: roomID, Messages: wireMessages(msgs)})
		},
		func(err error) {
			c.sendError(err, roomID)
		},
	)
	if err != nil {
		return roomID, err
	}
	c.rooms[roomID] = sub

	c.g.log.Info("ws.conversation.open",
		"session_id", c.client.SessionID,
		"room_id", roomID,
		"role", string(h.Role()),
	)
	return roomID, nil
}

func (c *connection) onClose(env v1.Envelope) (string, error) {
	var p v1.ConversationClosePayload
	if err := decodePayload(env, &p); err != nil {
		return "", chat.OpError{Op: "ws.conversation_close", Kind: chat.ErrInvalidInput, Err: err}
	}

	roomID := strings.TrimSpace(p.RoomID)
	sub, ok := c.rooms[roomID]
	if !ok {
		return roomID, chat.OpError{Op: "ws.conversation_close", Kind: chat.ErrNotFound, Msg: "conversation is not open"}
	}
	sub.Cancel()
	delete(c.rooms, roomID)
	return roomID, nil
}

func (c *connection) onMessageSend(env v1.Envelope) (string, error) {
	const op = "ws.message_send"

	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return "", chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Err: err}
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return "", chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Msg: "missing room_id"}
	}
	if len(p.ClientMsgID) > maxClientMsgIDBytes {
		return roomID, chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Msg: "client_msg_id too long"}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.g.cfg.OpTimeout)
	defer cancel()

	res, err := c.g.svc.Send(ctx, c.actor(), roomID, p.Text, strings.TrimSpace(p.ClientMsgID))
	if err != nil {
		return roomID, err
	}

	return roomID, c.push(v1.TypeMessageAck, v1.MessageAckPayload{
		RoomID:      res.Stored.RoomID,
		ClientMsgID: res.Stored.ClientMsgID,
		MessageID:   res.Stored.ID,
		Seq:         res.Stored.Seq,
		Duplicated:  res.Duplicated,
	})
}

func (c *connection) onListSubscribe(env v1.Envelope) error {
	const op = "ws.conversation_list_subscribe"

	var p v1.ConversationListSubscribePayload
	if err := decodePayload(env, &p); err != nil {
		return chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Err: err}
	}
	switch p.Order {
	case "", v1.ListOrderCreated:
		c.byRecency.Store(false)
	case v1.ListOrderRecency:
		c.byRecency.Store(true)
	default:
		return chat.OpError{Op: op, Kind: chat.ErrInvalidInput, Msg: "unknown order: " + p.Order}
	}

	if c.list != nil {
		select {
		case <-c.list.Done():
			// Ended by a fatal error; start over.
			c.list = nil
		default:
			// The client may have missed a dropped frame; always answer with a snapshot.
			c.list.Resend()
			return nil
		}
	}

	list := c.g.svc.OpenConversationList(c.actor())
	err := list.Subscribe(c.ctx,
		func(convs []chat.Conversation) {
			if c.byRecency.Load() {
				chat.SortByRecency(convs)
			}
			_ = c.push(v1.TypeConversationList, v1.ConversationListPayload{Conversations: wireConversations(convs)})
		},
		func(err error) {
			var re *chat.RoomError
			if errors.As(err, &re) {
				c.sendError(re.Err, re.RoomID)
				return
			}
			c.sendError(err, "")
		},
	)
	if err != nil {
		return err
	}
	c.list = list
	return nil
}

func (c *connection) onListUnsubscribe() {
	if c.list == nil {
		return
	}
	c.list.Cancel()
	c.list = nil
}

// teardown cancels everything the connection owns. It runs on the handler goroutine, never
// from a subscription callback.
func (c *connection) teardown() {
	for id, sub := range c.rooms {
		sub.Cancel()
		delete(c.rooms, id)
	}
	if c.list != nil {
		c.list.Cancel()
		c.list = nil
	}
}

// ---- send helpers ----

func (c *connection) push(typ string, payload any) error {
	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	c.g.enqueue(c.client, env)
	return nil
}

func (c *connection) sendError(err error, roomID string) {
	env, encErr := errorEnvelope(err, roomID)
	if encErr != nil {
		return
	}
	c.g.enqueue(c.client, env)
}

func (c *connection) sendCode(code, msg, roomID string) {
	env, err := codeEnvelope(code, msg, roomID)
	if err != nil {
		return
	}
	c.g.enqueue(c.client, env)
}

// errorEnvelope maps a domain error to its wire code. Backend failures keep their detail in
// the server log only.
func errorEnvelope(err error, roomID string) (v1.Envelope, error) {
	code := chat.Code(err)
	msg := err.Error()
	switch code {
	case v1.CodeStoreUnavailable:
		msg = "conversation storage is unavailable, try again"
	case v1.CodeInternal:
		msg = "internal error"
	case v1.CodeReauthenticate:
		msg = "could not resolve your profile, sign in again"
	}
	return codeEnvelope(code, msg, roomID)
}

func codeEnvelope(code, msg, roomID string) (v1.Envelope, error) {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, RoomID: roomID}, time.Now().UTC())
}
