package realtime

import (
	"context"
	"net/http"
	"reflect"
	"testing"
	"time"

	"unisale/cmd/internal/chat"
	"unisale/cmd/internal/marketplace"
	v1 "unisale/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

var (
	buyerProfile    = marketplace.Profile{ID: 7, Name: "Bea Buyer", Email: "bea@uni.example"}
	sellerProfile   = marketplace.Profile{ID: 42, Name: "Sam Seller", Email: "sam@uni.example"}
	outsiderProfile = marketplace.Profile{ID: 99, Name: "Otto", Email: "otto@uni.example"}

	testProducts = fakeProducts{
		"100": {ID: "100", Name: "Calculus textbook", ImageURL: "https://img.example/100.jpg", OwnerID: 42},
	}
)

func newChatEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnv(t, testGatewayConfig(), testProducts, buyerProfile, sellerProfile, outsiderProfile)
}

func openRoom(t *testing.T, conn *websocket.Conn, buyer, seller int64, product string) v1.ConversationOpenedPayload {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeConversationOpen, v1.ConversationOpenPayload{
		BuyerID: buyer, SellerID: seller, ProductID: product,
	})
	env := readUntil(t, conn, 4, func(env v1.Envelope) bool {
		return env.Type == v1.TypeConversationOpened || env.Type == v1.TypeError
	})
	if env.Type == v1.TypeError {
		t.Fatalf("open failed: %+v", decodeWS[v1.ErrorPayload](t, env))
	}
	return decodeWS[v1.ConversationOpenedPayload](t, env)
}

func readMessageList(t *testing.T, conn *websocket.Conn, roomID string, want []string) {
	t.Helper()
	readUntil(t, conn, 8, func(env v1.Envelope) bool {
		if env.Type != v1.TypeMessageList {
			return false
		}
		p := decodeWS[v1.MessageListPayload](t, env)
		return p.RoomID == roomID && reflect.DeepEqual(messageTexts(p.Messages), want)
	})
}

func readErrorCode(t *testing.T, conn *websocket.Conn) v1.ErrorPayload {
	t.Helper()
	return decodeWS[v1.ErrorPayload](t, readUntilType(t, conn, v1.TypeError, 6))
}

func TestWSGateway_OriginRejected(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.OriginRequired = true
	env := newTestEnv(t, cfg, testProducts, buyerProfile)

	for _, origin := range []string{"", "https://evil.example"} {
		_, resp, err := dialWS(t, env.srv.URL, origin, buyerProfile.Email)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("origin %q: expected handshake failure", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got resp=%v err=%v", origin, resp, err)
		}
	}

	conn, resp, err := dialWS(t, env.srv.URL, "http://localhost:3000", buyerProfile.Email)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin dial failed: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestWSGateway_UnauthenticatedRejected(t *testing.T) {
	env := newChatEnv(t)

	_, resp, err := dialWS(t, env.srv.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected unauthorized handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_UnknownProfileAsksToReauthenticate(t *testing.T) {
	env := newChatEnv(t)

	conn := mustDial(t, env, "ghost@uni.example")

	p := readErrorCode(t, conn)
	if p.Code != v1.CodeReauthenticate {
		t.Fatalf("expected %q, got %+v", v1.CodeReauthenticate, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestWSGateway_HelloAck(t *testing.T) {
	env := newChatEnv(t)
	conn := mustDial(t, env, buyerProfile.Email)

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{})
	ack := decodeWS[v1.HelloAckPayload](t, readUntilType(t, conn, v1.TypeHelloAck, 2))

	if ack.ActorID != int64(buyerProfile.ID) {
		t.Fatalf("expected actor_id=%d, got %d", buyerProfile.ID, ack.ActorID)
	}
	if ack.SessionID == "" || ack.DisplayName != buyerProfile.Name {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestWSGateway_OpenSendAndStream(t *testing.T) {
	env := newChatEnv(t)
	buyer := mustDial(t, env, buyerProfile.Email)
	seller := mustDial(t, env, sellerProfile.Email)

	opened := openRoom(t, buyer, 7, 42, "100")
	if opened.Room.ID != "chat_7_42_100" || opened.Role != "buyer" || !opened.CanCompose {
		t.Fatalf("unexpected open: %+v", opened)
	}
	roomID := opened.Room.ID
	readMessageList(t, buyer, roomID, []string{})

	writeEnvelopeWS(t, buyer, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: roomID, ClientMsgID: "c1", Text: "  hi  "})
	ack := decodeWS[v1.MessageAckPayload](t, readUntilType(t, buyer, v1.TypeMessageAck, 4))
	if ack.RoomID != roomID || ack.ClientMsgID != "c1" || ack.Seq != 1 || ack.Duplicated || ack.MessageID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	sellerOpened := openRoom(t, seller, 7, 42, "100")
	if sellerOpened.Role != "seller" {
		t.Fatalf("expected seller role, got %q", sellerOpened.Role)
	}
	readMessageList(t, seller, roomID, []string{"hi"})

	writeEnvelopeWS(t, seller, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: roomID, Text: "hey"})
	readMessageList(t, buyer, roomID, []string{"hi", "hey"})

	// Same client_msg_id is acknowledged without a second message.
	writeEnvelopeWS(t, buyer, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: roomID, ClientMsgID: "c1", Text: "hi"})
	dup := decodeWS[v1.MessageAckPayload](t, readUntilType(t, buyer, v1.TypeMessageAck, 4))
	if !dup.Duplicated || dup.MessageID != ack.MessageID {
		t.Fatalf("expected duplicate of %s, got %+v", ack.MessageID, dup)
	}

	msgs, err := env.store.ListMessages(context.Background(), roomID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(msgs))
	}
}

func TestWSGateway_ContactSellerFlow(t *testing.T) {
	env := newChatEnv(t)
	buyer := mustDial(t, env, buyerProfile.Email)

	writeEnvelopeWS(t, buyer, v1.TypeConversationOpen, v1.ConversationOpenPayload{ProductID: "100"})
	opened := decodeWS[v1.ConversationOpenedPayload](t, readUntilType(t, buyer, v1.TypeConversationOpened, 4))
	if opened.Room.ID != "chat_7_42_100" || opened.Room.SellerID != 42 || opened.Role != "buyer" {
		t.Fatalf("unexpected open: %+v", opened)
	}

	// The owner cannot contact themselves about their own listing.
	seller := mustDial(t, env, sellerProfile.Email)
	writeEnvelopeWS(t, seller, v1.TypeConversationOpen, v1.ConversationOpenPayload{ProductID: "100"})
	if p := readErrorCode(t, seller); p.Code != v1.CodeInvalidInput {
		t.Fatalf("expected invalid_input, got %+v", p)
	}

	writeEnvelopeWS(t, buyer, v1.TypeConversationOpen, v1.ConversationOpenPayload{ProductID: "404"})
	if p := readErrorCode(t, buyer); p.Code != v1.CodeProductUnavailable {
		t.Fatalf("expected product_unavailable, got %+v", p)
	}
}

func TestWSGateway_OutsiderDenied(t *testing.T) {
	env := newChatEnv(t)
	buyer := mustDial(t, env, buyerProfile.Email)
	outsider := mustDial(t, env, outsiderProfile.Email)

	roomID := openRoom(t, buyer, 7, 42, "100").Room.ID

	writeEnvelopeWS(t, outsider, v1.TypeConversationOpen, v1.ConversationOpenPayload{BuyerID: 7, SellerID: 42, ProductID: "100"})
	if p := readErrorCode(t, outsider); p.Code != v1.CodeUnauthorized {
		t.Fatalf("expected unauthorized open, got %+v", p)
	}

	writeEnvelopeWS(t, outsider, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: roomID, Text: "let me in"})
	p := readErrorCode(t, outsider)
	if p.Code != v1.CodeUnauthorized || p.RoomID != roomID {
		t.Fatalf("expected unauthorized send scoped to room, got %+v", p)
	}

	msgs, err := env.store.ListMessages(context.Background(), roomID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("outsider message stored: %+v", msgs)
	}
}

func TestWSGateway_SendValidation(t *testing.T) {
	env := newChatEnv(t)
	buyer := mustDial(t, env, buyerProfile.Email)
	roomID := openRoom(t, buyer, 7, 42, "100").Room.ID

	cases := []struct {
		name string
		in   v1.MessageSendPayload
		code string
	}{
		{"blank", v1.MessageSendPayload{RoomID: roomID, Text: " \n\t "}, v1.CodeEmptyMessage},
		{"missing room", v1.MessageSendPayload{Text: "hi"}, v1.CodeInvalidInput},
		{"unknown room", v1.MessageSendPayload{RoomID: "chat_7_42_999", Text: "hi"}, v1.CodeNotFound},
	}
	for _, tc := range cases {
		writeEnvelopeWS(t, buyer, v1.TypeMessageSend, tc.in)
		if p := readErrorCode(t, buyer); p.Code != tc.code {
			t.Fatalf("%s: expected %q, got %+v", tc.name, tc.code, p)
		}
	}
}

func TestWSGateway_ProtocolErrors(t *testing.T) {
	env := newChatEnv(t)
	conn := mustDial(t, env, buyerProfile.Email)

	writeRawWS(t, conn, []byte("{not json"))
	if p := readErrorCode(t, conn); p.Code != v1.CodeBadJSON {
		t.Fatalf("expected bad_json, got %+v", p)
	}

	writeEnvelopeWS(t, conn, "conversation_join", nil)
	if p := readErrorCode(t, conn); p.Code != v1.CodeBadEnvelope {
		t.Fatalf("expected bad_envelope, got %+v", p)
	}

	writeEnvelopeWS(t, conn, v1.TypeHelloAck, nil)
	if p := readErrorCode(t, conn); p.Code != v1.CodeUnsupported {
		t.Fatalf("expected unsupported, got %+v", p)
	}

	writeEnvelopeWS(t, conn, v1.TypeConversationClose, v1.ConversationClosePayload{RoomID: "chat_7_42_100"})
	if p := readErrorCode(t, conn); p.Code != v1.CodeNotFound {
		t.Fatalf("expected not_found for closing an unopened room, got %+v", p)
	}
}

func TestWSGateway_RateLimited(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	env := newTestEnv(t, cfg, testProducts, buyerProfile)
	conn := mustDial(t, env, buyerProfile.Email)

	for i := 0; i < 3; i++ {
		writeEnvelopeWS(t, conn, v1.TypeHello, nil)
	}
	if p := readErrorCode(t, conn); p.Code != v1.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("expected policy violation close, got %v", err)
		}
		return
	}
}

func TestWSGateway_ConversationList(t *testing.T) {
	env := newChatEnv(t)
	seller := mustDial(t, env, sellerProfile.Email)
	buyer := mustDial(t, env, buyerProfile.Email)

	writeEnvelopeWS(t, seller, v1.TypeConversationListSubscribe, nil)
	first := decodeWS[v1.ConversationListPayload](t, readUntilType(t, seller, v1.TypeConversationList, 4))
	if len(first.Conversations) != 0 {
		t.Fatalf("expected empty list, got %+v", first.Conversations)
	}

	roomID := openRoom(t, buyer, 7, 42, "100").Room.ID
	writeEnvelopeWS(t, buyer, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: roomID, Text: "is it still available?"})

	readUntil(t, seller, 10, func(env v1.Envelope) bool {
		if env.Type != v1.TypeConversationList {
			return false
		}
		p := decodeWS[v1.ConversationListPayload](t, env)
		if len(p.Conversations) != 1 {
			return false
		}
		c := p.Conversations[0]
		return c.Room.ID == roomID &&
			c.Product != nil && c.Product.Name == "Calculus textbook" &&
			c.LastMessage != nil && c.LastMessage.Text == "is it still available?"
	})

	// Subscribing again on a live list answers with the unchanged snapshot.
	writeEnvelopeWS(t, seller, v1.TypeConversationListSubscribe, v1.ConversationListSubscribePayload{Order: v1.ListOrderRecency})
	again := decodeWS[v1.ConversationListPayload](t, readUntilType(t, seller, v1.TypeConversationList, 6))
	if len(again.Conversations) != 1 || again.Conversations[0].Room.ID != roomID {
		t.Fatalf("re-subscribe list=%+v", again.Conversations)
	}

	writeEnvelopeWS(t, seller, v1.TypeConversationListSubscribe, v1.ConversationListSubscribePayload{Order: "alphabetical"})
	bad := decodeWS[v1.ErrorPayload](t, readUntilType(t, seller, v1.TypeError, 6))
	if bad.Code != v1.CodeInvalidInput {
		t.Fatalf("unknown order: code=%q want %q", bad.Code, v1.CodeInvalidInput)
	}

	writeEnvelopeWS(t, seller, v1.TypeConversationListUnsubscribe, nil)
	writeEnvelopeWS(t, seller, v1.TypeHello, nil)
	readUntilType(t, seller, v1.TypeHelloAck, 6)
}

func TestWSGateway_TeardownReleasesSubscriptions(t *testing.T) {
	env := newChatEnv(t)

	conn, resp, err := dialWS(t, env.srv.URL, "", buyerProfile.Email)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	roomID := openRoom(t, conn, 7, 42, "100").Room.ID
	readMessageList(t, conn, roomID, []string{})
	writeEnvelopeWS(t, conn, v1.TypeConversationListSubscribe, nil)
	readUntilType(t, conn, v1.TypeConversationList, 6)

	if env.store.Feed().Watchers(chat.RoomTopic(roomID)) == 0 {
		t.Fatalf("expected an active room watch")
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if env.store.Feed().Topics() == 0 && env.gw.Hub().Len() == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("leaked topics=%d sessions=%d", env.store.Feed().Topics(), env.gw.Hub().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSGateway_HubDrainClosesConnections(t *testing.T) {
	env := newChatEnv(t)
	conn := mustDial(t, env, buyerProfile.Email)

	writeEnvelopeWS(t, conn, v1.TypeHello, nil)
	readUntilType(t, conn, v1.TypeHelloAck, 2)

	env.gw.Hub().CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusGoingAway {
			t.Fatalf("expected going away close, got %v", err)
		}
		return
	}
}
