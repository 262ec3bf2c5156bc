package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"unisale/cmd/internal/chat"
	"unisale/cmd/internal/ids"
	v1 "unisale/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// ---- domain -> wire ----

func wireRoom(r chat.Room) v1.Room {
	return v1.Room{
		ID:        r.ID,
		BuyerID:   int64(r.BuyerID),
		SellerID:  int64(r.SellerID),
		ProductID: string(r.ProductID),
		CreatedAt: r.CreatedAt,
	}
}

func wireMessage(m chat.Message) v1.Message {
	return v1.Message{
		ID:          m.ID,
		Seq:         m.Seq,
		ClientMsgID: m.ClientMsgID,
		SenderID:    int64(m.SenderID),
		SenderRole:  string(m.SenderRole),
		Text:        m.Text,
		Timestamp:   m.Timestamp,
	}
}

func wireMessages(msgs []chat.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage(m))
	}
	return out
}

func wireConversations(convs []chat.Conversation) []v1.Conversation {
	out := make([]v1.Conversation, 0, len(convs))
	for _, c := range convs {
		wc := v1.Conversation{Room: wireRoom(c.Room)}
		if c.Product != nil {
			wc.Product = &v1.Product{
				ID:       string(c.Product.ID),
				Name:     c.Product.Name,
				ImageURL: c.Product.ImageURL,
				OwnerID:  int64(c.Product.OwnerID),
			}
		}
		if c.LastMessage != nil {
			m := wireMessage(*c.LastMessage)
			wc.LastMessage = &m
		}
		out = append(out, wc)
	}
	return out
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.NewRandomHex(10),
		TS:      ts,
		Payload: raw,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// decodePayload unmarshals an optional payload; an absent payload leaves dst zero.
func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// errBadJSON marks a frame that arrived intact but did not decode.
type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }
