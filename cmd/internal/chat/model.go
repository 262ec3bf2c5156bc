package chat

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// ActorID is the stable numeric id of a marketplace user.
type ActorID int64

func (id ActorID) String() string { return strconv.FormatInt(int64(id), 10) }

// Valid reports whether id can identify a real actor.
func (id ActorID) Valid() bool { return id > 0 }

// ParseActorID parses a decimal actor id.
func ParseActorID(s string) (ActorID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, OpError{Op: "chat.ParseActorID", Kind: ErrInvalidInput, Msg: "actor id must be numeric"}
	}
	id := ActorID(n)
	if !id.Valid() {
		return 0, OpError{Op: "chat.ParseActorID", Kind: ErrInvalidInput, Msg: "actor id must be positive"}
	}
	return id, nil
}

// ProductID identifies a catalog listing.
type ProductID string

// Role is the side of the conversation a sender speaks for.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Valid reports whether r is one of the two participant roles.
func (r Role) Valid() bool { return r == RoleBuyer || r == RoleSeller }

// ParseRole validates a wire role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", OpError{Op: "chat.ParseRole", Kind: ErrInvalidInput, Msg: "role must be buyer or seller"}
	}
	return r, nil
}

// Actor is the authenticated user of a session. Immutable for the session.
type Actor struct {
	ID          ActorID
	Email       string
	DisplayName string
}

// Product is the read-only display snapshot of a listing.
type Product struct {
	ID       ProductID `json:"id"`
	Name     string    `json:"name"`
	ImageURL string    `json:"image_url,omitempty"`
	OwnerID  ActorID   `json:"owner_id"`
}

// Room is the metadata record of one buyer/seller/product conversation.
type Room struct {
	ID        string    `json:"id"`
	BuyerID   ActorID   `json:"buyer_id"`
	SellerID  ActorID   `json:"seller_id"`
	ProductID ProductID `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an immutable chat message. Seq is the store-assigned insertion order within the
// room and breaks Timestamp ties.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	Seq         int64     `json:"seq"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	SenderID    ActorID   `json:"sender_id"`
	SenderRole  Role      `json:"sender_role"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// Conversation is the list view entity: a room, its product (nil until resolved) and the most
// recent message (nil for an empty room).
type Conversation struct {
	Room        Room     `json:"room"`
	Product     *Product `json:"product,omitempty"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// SortMessages orders messages by (Timestamp, Seq) ascending.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return messageLess(msgs[i], msgs[j]) })
}

func messageLess(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

// SortByRecency orders conversations by last message time, newest first. Empty rooms go last,
// newest room first.
func SortByRecency(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		switch {
		case a.LastMessage != nil && b.LastMessage != nil:
			return messageLess(*b.LastMessage, *a.LastMessage)
		case a.LastMessage != nil:
			return true
		case b.LastMessage != nil:
			return false
		}
		return roomLess(b.Room, a.Room)
	})
}

func roomLess(a, b Room) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// sortRooms orders rooms by (CreatedAt, ID) ascending.
func sortRooms(rooms []Room) {
	sort.Slice(rooms, func(i, j int) bool { return roomLess(rooms[i], rooms[j]) })
}
