package chat

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"unisale/cmd/internal/ids"
)

// Integration tests are enabled when UNISALE_REDIS_URL is set.

func TestRedisStore_AppendDedupeAndOrder(t *testing.T) {
	t.Parallel()

	store := mustNewRedisStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room := mustEnsureRoom(t, store, 7, 42, "100")

	first, err := store.AppendMessage(ctx, AppendMessageInput{RoomID: room.ID, ClientMsgID: "c-1", SenderID: 7, SenderRole: RoleBuyer, Text: "Is this still available?"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	dup, err := store.AppendMessage(ctx, AppendMessageInput{RoomID: room.ID, ClientMsgID: "c-1", SenderID: 7, SenderRole: RoleBuyer, Text: "Is this still available?"})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !dup.Duplicated || dup.Stored.ID != first.Stored.ID {
		t.Fatalf("duplicate=%+v first=%+v", dup, first)
	}

	second := mustAppend(t, store, AppendMessageInput{RoomID: room.ID, SenderID: 42, SenderRole: RoleSeller, Text: "Yes!"})
	if second.Seq != 2 || !second.Timestamp.After(first.Stored.Timestamp) {
		t.Fatalf("second=%+v first=%+v", second, first.Stored)
	}

	msgs, err := store.ListMessages(ctx, room.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := strings.Join(texts(msgs), "|"); got != "Is this still available?|Yes!" {
		t.Fatalf("messages=%s", got)
	}
}

func TestRedisStore_SkipsMalformedDocs(t *testing.T) {
	t.Parallel()

	store := mustNewRedisStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room := mustEnsureRoom(t, store, 1, 2, "p1")
	mustAppend(t, store, AppendMessageInput{RoomID: room.ID, SenderID: 1, SenderRole: RoleBuyer, Text: "ok"})

	if err := store.client.ZAdd(ctx, store.messagesKey(room.ID), redis.Z{Score: 99, Member: `{"id":"bad"}`}).Err(); err != nil {
		t.Fatalf("seed malformed: %v", err)
	}

	msgs, err := store.ListMessages(ctx, room.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "ok" {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestRedisStore_CreateRoomIfAbsent_Concurrent(t *testing.T) {
	t.Parallel()

	store := mustNewRedisStore(t)
	room := Room{ID: "chat_5_6_p1", BuyerID: 5, SellerID: 6, ProductID: "p1"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.CreateRoomIfAbsent(context.Background(), room)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created=%d want 1", created)
	}
	if _, err := store.GetRoom(context.Background(), "chat_5_6_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	rooms, err := store.ListRoomsByParticipant(context.Background(), 5)
	if err != nil || len(rooms) != 1 {
		t.Fatalf("rooms=%v err=%v", rooms, err)
	}
}

func mustNewRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("UNISALE_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: UNISALE_REDIS_URL is not set")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse UNISALE_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("ping redis: %v", err)
	}

	prefix := "unisale:it:" + ids.NewRandomHex(6) + ":"
	store, err := NewRedisStore(client, WithRedisPrefix(prefix), WithRedisChannel(prefix+"events"), WithRedisLogger(testLogger()))
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
		_ = store.Close()
	})
	return store
}
