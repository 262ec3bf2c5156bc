package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testWait = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *InMemoryStore {
	t.Helper()
	return NewInMemoryStore(WithMemoryFeed(NewFeed(testLogger())))
}

func mustEnsureRoom(t *testing.T, store Store, buyer, seller ActorID, product ProductID) Room {
	t.Helper()

	id, err := DeriveRoomID(buyer, seller, product)
	if err != nil {
		t.Fatalf("derive room id: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	room, err := NewRooms(testLogger(), store).EnsureRoom(ctx, id, buyer, seller, product)
	if err != nil {
		t.Fatalf("ensure room %s: %v", id, err)
	}
	return room
}

func mustAppend(t *testing.T, store Store, in AppendMessageInput) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	res, err := store.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("append to %s: %v", in.RoomID, err)
	}
	return res.Stored
}

// waitFor reads from ch until pred accepts a value or the deadline passes.
func waitFor[T any](t *testing.T, ch <-chan T, what string, pred func(T) bool) T {
	t.Helper()

	deadline := time.NewTimer(testWait)
	defer deadline.Stop()
	for {
		select {
		case v := <-ch:
			if pred(v) {
				return v
			}
		case <-deadline.C:
			t.Fatalf("timeout waiting for %s", what)
		}
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

var errBackendDown = errors.New("backend down")

// flakyStore wraps a Store and fails selected operations on demand.
type flakyStore struct {
	Store

	failGet    atomic.Bool
	failCreate atomic.Bool
	failList   atomic.Bool
	failRooms  atomic.Bool
	failAppend atomic.Bool

	appends atomic.Int64
}

func (s *flakyStore) GetRoom(ctx context.Context, id string) (Room, error) {
	if s.failGet.Load() {
		return Room{}, errBackendDown
	}
	return s.Store.GetRoom(ctx, id)
}

func (s *flakyStore) CreateRoomIfAbsent(ctx context.Context, room Room) (Room, bool, error) {
	if s.failCreate.Load() {
		return Room{}, false, errBackendDown
	}
	return s.Store.CreateRoomIfAbsent(ctx, room)
}

func (s *flakyStore) ListRoomsByParticipant(ctx context.Context, actor ActorID) ([]Room, error) {
	if s.failRooms.Load() {
		return nil, errBackendDown
	}
	return s.Store.ListRoomsByParticipant(ctx, actor)
}

func (s *flakyStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	s.appends.Add(1)
	if s.failAppend.Load() {
		return AppendMessageResult{}, errBackendDown
	}
	return s.Store.AppendMessage(ctx, in)
}

func (s *flakyStore) ListMessages(ctx context.Context, roomID string) ([]Message, error) {
	if s.failList.Load() {
		return nil, errBackendDown
	}
	return s.Store.ListMessages(ctx, roomID)
}

// fakeCatalog is an in-memory ProductFetcher that counts calls per id.
type fakeCatalog struct {
	mu       sync.Mutex
	products map[ProductID]Product
	failing  map[ProductID]bool
	calls    map[ProductID]int
	delay    time.Duration
}

func newFakeCatalog(products ...Product) *fakeCatalog {
	c := &fakeCatalog{
		products: make(map[ProductID]Product),
		failing:  make(map[ProductID]bool),
		calls:    make(map[ProductID]int),
	}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *fakeCatalog) GetProduct(ctx context.Context, id ProductID) (Product, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[id]++
	if c.failing[id] {
		return Product{}, errors.New("catalog: 503")
	}
	p, ok := c.products[id]
	if !ok {
		return Product{}, errors.New("catalog: 404")
	}
	return p, nil
}

func (c *fakeCatalog) setFailing(id ProductID, failing bool) {
	c.mu.Lock()
	c.failing[id] = failing
	c.mu.Unlock()
}

func (c *fakeCatalog) callCount(id ProductID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}
