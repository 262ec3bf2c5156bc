// Package main provides a CI-friendly WebSocket smoke test for Unisale realtime chat.
//
// It validates, against a running server whose marketplace backend knows both emails:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - conversation open for buyer and seller
//   - send -> ack, and the peer's message list update
//   - conversation list with last message
//   - idempotent dedupe by client_msg_id
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "unisale/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name    string
	conn    *websocket.Conn
	actorID int64

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL       = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin      = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		header      = flag.String("header", "X-Auth-Email", "Identity header trusted by the server")
		buyerEmail  = flag.String("buyer", "buyer@unisale.test", "Buyer email")
		sellerEmail = flag.String("seller", "seller@unisale.test", "Seller email")
		product     = flag.String("product", "1", "Product id the conversation is about")
		text        = flag.String("text", "is this still available? 👋", "Message text to send")
		timeout     = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	buyer := mustConnect(root, "buyer", *wsURL, *origin, *header, *buyerEmail, *timeout)
	defer closeWS(buyer.conn)

	seller := mustConnect(root, "seller", *wsURL, *origin, *header, *sellerEmail, *timeout)
	defer closeWS(seller.conn)

	if *verbose {
		fmt.Printf("connected: buyer=%d seller=%d origin=%q\n", buyer.actorID, seller.actorID, *origin)
	}

	roomID := mustOpen(root, buyer, buyer.actorID, seller.actorID, *product, "buyer", *timeout)
	if got := mustOpen(root, seller, buyer.actorID, seller.actorID, *product, "seller", *timeout); got != roomID {
		fatalf("room id mismatch: buyer=%q seller=%q", roomID, got)
	}
	mustSend(root, seller, v1.TypeConversationListSubscribe, nil, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	ack := mustSendAndAssertAck(root, buyer, roomID, clientMsgID, *text, *timeout)
	if ack.Duplicated {
		fatalf("first send reported duplicated")
	}

	mustSeeDelivery(root, seller, roomID, ack.MessageID, *text, *timeout)

	again := mustSendAndAssertAck(root, buyer, roomID, clientMsgID, *text, *timeout)
	if !again.Duplicated || again.MessageID != ack.MessageID || again.Seq != ack.Seq {
		fatalf("dedupe: first=%+v second=%+v", ack, again)
	}

	mustAssertNoLongerList(root, seller, roomID, 1, 1200*time.Millisecond)

	fmt.Printf("OK: room_id=%s seq=%d message_id=%s\n", roomID, ack.Seq, ack.MessageID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, header, email string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set(header, email)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	if resp != nil {
		if got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol")); got != "" && got != v1.Subprotocol {
			fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
		}
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustSend(parent, c, v1.TypeHello, v1.HelloPayload{}, stepTimeout)

	var p v1.HelloAckPayload
	decode(c, c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil), &p)
	if strings.TrimSpace(p.SessionID) == "" || p.ActorID <= 0 {
		fatalf("hello_ack incomplete (%s): %+v", name, p)
	}
	c.actorID = p.ActorID

	return c
}

func (c *smokeClient) startReadLoop() {
	fail := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func mustOpen(parent context.Context, c *smokeClient, buyer, seller int64, product, wantRole string, stepTimeout time.Duration) string {
	mustSend(parent, c, v1.TypeConversationOpen, v1.ConversationOpenPayload{
		BuyerID:   buyer,
		SellerID:  seller,
		ProductID: product,
	}, stepTimeout)

	var p v1.ConversationOpenedPayload
	decode(c, c.mustReadUntilType(parent, v1.TypeConversationOpened, stepTimeout, nil), &p)
	if p.Role != wantRole || !p.CanCompose {
		fatalf("conversation_opened (%s): role=%q can_compose=%v", c.name, p.Role, p.CanCompose)
	}
	if strings.TrimSpace(p.Room.ID) == "" {
		fatalf("conversation_opened missing room id (%s)", c.name)
	}
	return p.Room.ID
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, roomID, clientMsgID, text string, stepTimeout time.Duration) v1.MessageAckPayload {
	mustSend(parent, c, v1.TypeMessageSend, v1.MessageSendPayload{
		RoomID:      roomID,
		ClientMsgID: clientMsgID,
		Text:        text,
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageList: {}, v1.TypeConversationList: {}}
	var p v1.MessageAckPayload
	decode(c, c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip), &p)

	if p.RoomID != roomID {
		fatalf("ack room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" || p.Seq <= 0 {
		fatalf("ack incomplete (%s): %+v", c.name, p)
	}
	return p
}

// mustSeeDelivery waits until the peer has seen messageID both in the room's message list and as
// the last message of its conversation list. The two streams are independent, so either may
// arrive first.
func mustSeeDelivery(parent context.Context, c *smokeClient, roomID, messageID, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var inRoom, inList bool
	for !inRoom || !inList {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for delivery of %s (%s): room=%v list=%v", messageID, c.name, inRoom, inList)
		case err := <-c.errCh:
			fatalf("connection error waiting for delivery (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed waiting for delivery (%s)", c.name)
			}
			switch env.Type {
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			case v1.TypeMessageList:
				var p v1.MessageListPayload
				decode(c, env, &p)
				if p.RoomID != roomID || len(p.Messages) == 0 {
					continue
				}
				last := p.Messages[len(p.Messages)-1]
				if last.ID != messageID {
					continue
				}
				if last.Text != text || last.Timestamp.IsZero() {
					fatalf("message mismatch (%s): %+v", c.name, last)
				}
				inRoom = true
			case v1.TypeConversationList:
				var p v1.ConversationListPayload
				decode(c, env, &p)
				for _, conv := range p.Conversations {
					if conv.Room.ID == roomID && conv.LastMessage != nil && conv.LastMessage.ID == messageID {
						inList = true
					}
				}
			}
		}
	}
}

// mustAssertNoLongerList fails if a message list of roomID with more than n messages arrives.
func mustAssertNoLongerList(parent context.Context, c *smokeClient, roomID string, n int, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			switch env.Type {
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			case v1.TypeMessageList:
				var p v1.MessageListPayload
				decode(c, env, &p)
				if p.RoomID == roomID && len(p.Messages) > n {
					fatalf("duplicate message stored (%s): %d messages", c.name, len(p.Messages))
				}
			}
		}
	}
}

func mustSend(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: typ,
		ID:   fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:   time.Now().UTC(),
	}
	if payload != nil {
		env.Payload = mustJSON(payload)
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func decode(c *smokeClient, env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
