package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stored documents in the Redis backend are loosely typed (numbers may come back as strings,
// fields may be missing). They are validated here, once, at the boundary; the rest of the
// package only sees typed Room and Message values.

func parseRoomDoc(roomID string, fields map[string]string) (Room, error) {
	if len(fields) == 0 {
		return Room{}, fmt.Errorf("room %s: empty record", roomID)
	}
	buyer, err := docActor(fields["buyerId"])
	if err != nil {
		return Room{}, fmt.Errorf("room %s: buyerId: %w", roomID, err)
	}
	seller, err := docActor(fields["sellerId"])
	if err != nil {
		return Room{}, fmt.Errorf("room %s: sellerId: %w", roomID, err)
	}
	product := ProductID(fields["productId"])
	if err := ValidateProductID(product); err != nil {
		return Room{}, fmt.Errorf("room %s: productId: %w", roomID, err)
	}
	createdMS, err := docInt64(fields["createdAt"])
	if err != nil {
		return Room{}, fmt.Errorf("room %s: createdAt: %w", roomID, err)
	}
	return Room{
		ID:        roomID,
		BuyerID:   buyer,
		SellerID:  seller,
		ProductID: product,
		CreatedAt: time.UnixMilli(createdMS).UTC(),
	}, nil
}

func parseMessageDoc(roomID string, raw []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return Message{}, fmt.Errorf("message doc: %w", err)
	}

	id, _ := doc["id"].(string)
	if id == "" {
		return Message{}, fmt.Errorf("message doc: missing id")
	}
	text, _ := doc["text"].(string)
	if text == "" {
		return Message{}, fmt.Errorf("message %s: missing text", id)
	}
	roleRaw, _ := doc["senderType"].(string)
	role, err := ParseRole(roleRaw)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: senderType: %w", id, err)
	}
	sender, err := docActor(doc["senderId"])
	if err != nil {
		return Message{}, fmt.Errorf("message %s: senderId: %w", id, err)
	}
	tsMS, err := docInt64(doc["timestamp"])
	if err != nil || tsMS <= 0 {
		return Message{}, fmt.Errorf("message %s: bad timestamp", id)
	}
	seq, err := docInt64(doc["seq"])
	if err != nil || seq <= 0 {
		return Message{}, fmt.Errorf("message %s: bad seq", id)
	}
	clientMsgID, _ := doc["clientMsgId"].(string)

	return Message{
		ID:          id,
		RoomID:      roomID,
		Seq:         seq,
		ClientMsgID: clientMsgID,
		SenderID:    sender,
		SenderRole:  role,
		Text:        text,
		Timestamp:   time.UnixMilli(tsMS).UTC(),
	}, nil
}

func docActor(v any) (ActorID, error) {
	n, err := docInt64(v)
	if err != nil {
		return 0, err
	}
	id := ActorID(n)
	if !id.Valid() {
		return 0, fmt.Errorf("non-positive id %d", n)
	}
	return id, nil
}

// docInt64 accepts a JSON number, a decimal string, or a float with no fractional part.
func docInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return floatInt(f)
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return floatInt(f)
	case float64:
		return floatInt(x)
	case int64:
		return x, nil
	case nil:
		return 0, fmt.Errorf("missing")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func floatInt(f float64) (int64, error) {
	n := int64(f)
	if float64(n) != f {
		return 0, fmt.Errorf("not an integer: %v", f)
	}
	return n, nil
}
