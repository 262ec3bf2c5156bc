package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"unisale/cmd/internal/ids"
)

// InMemoryStore is the single-process backend used in dev and tests. Data lives for the
// process lifetime.
type InMemoryStore struct {
	feed *Feed
	now  func() time.Time

	mu      sync.Mutex
	rooms   map[string]Room
	byActor map[ActorID]map[string]struct{}
	convs   map[string]*memRoom
}

type memRoom struct {
	seq    int64
	lastTS time.Time
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithMemoryClock overrides the store clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMemoryFeed shares an existing feed (defaults to a private one).
func WithMemoryFeed(f *Feed) MemoryOption {
	return func(s *InMemoryStore) {
		if f != nil {
			s.feed = f
		}
	}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		now:     func() time.Time { return time.Now().UTC() },
		rooms:   make(map[string]Room),
		byActor: make(map[ActorID]map[string]struct{}),
		convs:   make(map[string]*memRoom),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		s.feed = NewFeed(slog.Default())
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Watch implements Notifier.
func (s *InMemoryStore) Watch(topic Topic) *Watch { return s.feed.Watch(topic) }

// Feed exposes the underlying feed.
func (s *InMemoryStore) Feed() *Feed { return s.feed }

// GetRoom implements RoomStore.
func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, OpError{Op: "memory.GetRoom", Kind: ErrNotFound}
	}
	return r, nil
}

// CreateRoomIfAbsent implements RoomStore.
func (s *InMemoryStore) CreateRoomIfAbsent(ctx context.Context, room Room) (Room, bool, error) {
	if room.ID == "" {
		return Room{}, false, OpError{Op: "memory.CreateRoomIfAbsent", Kind: ErrInvalidInput, Msg: "missing room id"}
	}
	if err := ctx.Err(); err != nil {
		return Room{}, false, err
	}

	s.mu.Lock()
	if existing, ok := s.rooms[room.ID]; ok {
		s.mu.Unlock()
		return existing, false, nil
	}
	room.CreatedAt = s.now()
	s.rooms[room.ID] = room
	s.index(room.BuyerID, room.ID)
	s.index(room.SellerID, room.ID)
	s.mu.Unlock()

	s.feed.Publish(ActorTopic(room.BuyerID))
	s.feed.Publish(ActorTopic(room.SellerID))
	return room, true, nil
}

func (s *InMemoryStore) index(actor ActorID, roomID string) {
	set := s.byActor[actor]
	if set == nil {
		set = make(map[string]struct{})
		s.byActor[actor] = set
	}
	set[roomID] = struct{}{}
}

// ListRoomsByParticipant implements RoomStore.
func (s *InMemoryStore) ListRoomsByParticipant(ctx context.Context, actor ActorID) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Room, 0, len(s.byActor[actor]))
	for id := range s.byActor[actor] {
		out = append(out, s.rooms[id])
	}
	s.mu.Unlock()

	sortRooms(out)
	return out, nil
}

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "memory.AppendMessage"
	if err := in.validate(op); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	s.mu.Lock()
	if _, ok := s.rooms[in.RoomID]; !ok {
		s.mu.Unlock()
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrNotFound, Msg: "room not found"}
	}

	c := s.convs[in.RoomID]
	if c == nil {
		c = &memRoom{
			dedupe: make(map[string]Message),
			msgs:   make([]Message, 0, 64),
		}
		s.convs[in.RoomID] = c
	}

	if in.ClientMsgID != "" {
		if existing, ok := c.dedupe[in.ClientMsgID]; ok {
			s.mu.Unlock()
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
	}

	ts := in.Timestamp.UTC()
	if in.Timestamp.IsZero() {
		ts = s.now()
		if !ts.After(c.lastTS) {
			ts = c.lastTS.Add(time.Microsecond)
		}
	}

	id, err := ids.NewULID(ts)
	if err != nil {
		s.mu.Unlock()
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
	}

	c.seq++
	if ts.After(c.lastTS) {
		c.lastTS = ts
	}
	msg := Message{
		ID:          id,
		RoomID:      in.RoomID,
		Seq:         c.seq,
		ClientMsgID: in.ClientMsgID,
		SenderID:    in.SenderID,
		SenderRole:  in.SenderRole,
		Text:        in.Text,
		Timestamp:   ts,
	}
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = msg
	}
	c.msgs = append(c.msgs, msg)
	s.mu.Unlock()

	s.feed.Publish(RoomTopic(in.RoomID))
	return AppendMessageResult{Stored: msg}, nil
}

// ListMessages returns a snapshot of the room's messages in insertion order.
func (s *InMemoryStore) ListMessages(ctx context.Context, roomID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[roomID]
	if c == nil {
		return nil, nil
	}
	return append([]Message(nil), c.msgs...), nil
}
