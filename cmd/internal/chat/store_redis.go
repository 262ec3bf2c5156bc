package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"unisale/cmd/internal/ids"
)

const (
	defaultRedisPrefix  = "unisale:chat:"
	defaultRedisChannel = "unisale:chat:events"
)

// Creates the room hash and indexes it under both participants, unless the room exists.
// KEYS: room hash, buyer set, seller set. ARGV: buyerId, sellerId, productId, roomId.
const redisCreateRoomScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local t = redis.call("TIME")
local ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call("HSET", KEYS[1], "buyerId", ARGV[1], "sellerId", ARGV[2], "productId", ARGV[3], "createdAt", ms)
redis.call("SADD", KEYS[2], ARGV[4])
redis.call("SADD", KEYS[3], ARGV[4])
return 1
`

// Appends one message doc. Returns {status, doc}: -1 unknown room, 0 duplicate, 1 stored.
// KEYS: room hash, messages zset, cursor hash, dedupe hash.
// ARGV: clientMsgId, id, senderId, senderType, text, explicit ts ms (0 = server clock).
const redisAppendScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, ""}
end
if ARGV[1] ~= "" then
  local existing = redis.call("HGET", KEYS[4], ARGV[1])
  if existing then
    return {0, existing}
  end
end
local seq = redis.call("HINCRBY", KEYS[3], "seq", 1)
local last = tonumber(redis.call("HGET", KEYS[3], "lastTs") or "0")
local ts = tonumber(ARGV[6])
if ts == 0 then
  local t = redis.call("TIME")
  ts = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
  if ts <= last then
    ts = last + 1
  end
end
if ts > last then
  redis.call("HSET", KEYS[3], "lastTs", ts)
end
local doc = cjson.encode({id = ARGV[2], text = ARGV[5], senderId = ARGV[3], senderType = ARGV[4], timestamp = ts, seq = seq, clientMsgId = ARGV[1]})
redis.call("ZADD", KEYS[2], seq, doc)
if ARGV[1] ~= "" then
  redis.call("HSET", KEYS[4], ARGV[1], doc)
end
return {1, doc}
`

// RedisStore is a Store backed by a standalone Redis server.
//
// Layout (prefix "unisale:chat:"):
//   - room:{id}            hash  buyerId sellerId productId createdAt(ms)
//   - room:{id}:messages   zset  score=seq member=message doc (JSON)
//   - room:{id}:cursor     hash  seq lastTs(ms)
//   - room:{id}:dedupe     hash  client_msg_id -> message doc
//   - actor:{id}:rooms     set   room ids
//
// Writes run as Lua scripts, so room creation and seq/ts allocation are atomic. Change
// notifications go out on a Pub/Sub channel that Listen relays into the local feed.
// Timestamps have millisecond precision.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
	feed    *Feed
	log     *slog.Logger
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisChannel sets the Pub/Sub channel.
func WithRedisChannel(channel string) RedisOption {
	return func(s *RedisStore) {
		if channel = strings.TrimSpace(channel); channel != "" {
			s.channel = channel
		}
	}
}

// WithRedisFeed shares an existing feed.
func WithRedisFeed(f *Feed) RedisOption {
	return func(s *RedisStore) { s.feed = f }
}

// WithRedisLogger sets the store logger.
func WithRedisLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.log = log }
}

// NewRedisStore constructs a Redis-backed Store. The client is owned by the store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("chat: nil redis client")
	}
	s := &RedisStore{
		client:  client,
		prefix:  defaultRedisPrefix,
		channel: defaultRedisChannel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.feed == nil {
		s.feed = NewFeed(s.log)
	}
	return s, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// Watch implements Notifier.
func (s *RedisStore) Watch(topic Topic) *Watch { return s.feed.Watch(topic) }

func (s *RedisStore) roomKey(id string) string { return s.prefix + "room:" + id }
func (s *RedisStore) messagesKey(id string) string { return s.prefix + "room:" + id + ":messages" }
func (s *RedisStore) cursorKey(id string) string { return s.prefix + "room:" + id + ":cursor" }
func (s *RedisStore) dedupeKey(id string) string { return s.prefix + "room:" + id + ":dedupe" }
func (s *RedisStore) actorKey(actor ActorID) string { return s.prefix + "actor:" + actor.String() + ":rooms" }

// GetRoom implements RoomStore.
func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	const op = "redis.GetRoom"
	fields, err := s.client.HGetAll(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return Room{}, storeErr(op, err)
	}
	if len(fields) == 0 {
		return Room{}, OpError{Op: op, Kind: ErrNotFound}
	}
	room, err := parseRoomDoc(roomID, fields)
	if err != nil {
		return Room{}, OpError{Op: op, Kind: ErrStoreUnavailable, Msg: "malformed room record", Err: err}
	}
	return room, nil
}

// CreateRoomIfAbsent implements RoomStore.
func (s *RedisStore) CreateRoomIfAbsent(ctx context.Context, room Room) (Room, bool, error) {
	const op = "redis.CreateRoomIfAbsent"
	if room.ID == "" {
		return Room{}, false, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing room id"}
	}

	created, err := s.client.Eval(ctx, redisCreateRoomScript,
		[]string{s.roomKey(room.ID), s.actorKey(room.BuyerID), s.actorKey(room.SellerID)},
		room.BuyerID.String(), room.SellerID.String(), string(room.ProductID), room.ID,
	).Int()
	if err != nil {
		return Room{}, false, storeErr(op, err)
	}

	// Room records are immutable once written, so reading after the script is consistent.
	stored, err := s.GetRoom(ctx, room.ID)
	if err != nil {
		return Room{}, false, err
	}
	if created == 1 {
		s.publish(ctx, ActorTopic(room.BuyerID), ActorTopic(room.SellerID))
	}
	return stored, created == 1, nil
}

// ListRoomsByParticipant implements RoomStore. Malformed records are logged and skipped.
func (s *RedisStore) ListRoomsByParticipant(ctx context.Context, actor ActorID) ([]Room, error) {
	const op = "redis.ListRoomsByParticipant"
	roomIDs, err := s.client.SMembers(ctx, s.actorKey(actor)).Result()
	if err != nil {
		return nil, storeErr(op, err)
	}
	if len(roomIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(roomIDs))
	for i, id := range roomIDs {
		cmds[i] = pipe.HGetAll(ctx, s.roomKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr(op, err)
	}

	out := make([]Room, 0, len(roomIDs))
	for i, cmd := range cmds {
		room, err := parseRoomDoc(roomIDs[i], cmd.Val())
		if err != nil {
			s.log.Warn("chat.room.malformed", "backend", "redis", "room_id", roomIDs[i], "err", err)
			continue
		}
		out = append(out, room)
	}
	sortRooms(out)
	return out, nil
}

// AppendMessage implements MessageStore.
func (s *RedisStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "redis.AppendMessage"
	if err := in.validate(op); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, storeErr(op, err)
	}

	var explicitMS int64
	if !in.Timestamp.IsZero() {
		explicitMS = in.Timestamp.UnixMilli()
		if explicitMS <= 0 {
			return AppendMessageResult{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "timestamp before epoch"}
		}
	}

	res, err := s.client.Eval(ctx, redisAppendScript,
		[]string{s.roomKey(in.RoomID), s.messagesKey(in.RoomID), s.cursorKey(in.RoomID), s.dedupeKey(in.RoomID)},
		in.ClientMsgID, id, in.SenderID.String(), string(in.SenderRole), in.Text, explicitMS,
	).Slice()
	if err != nil {
		return AppendMessageResult{}, storeErr(op, err)
	}
	if len(res) != 2 {
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrStoreUnavailable, Msg: "unexpected script reply"}
	}

	status, _ := res[0].(int64)
	doc, _ := res[1].(string)
	if status == -1 {
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrNotFound, Msg: "room not found"}
	}

	msg, err := parseMessageDoc(in.RoomID, []byte(doc))
	if err != nil {
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrStoreUnavailable, Msg: "malformed message record", Err: err}
	}
	if status == 0 {
		return AppendMessageResult{Stored: msg, Duplicated: true}, nil
	}

	s.publish(ctx, RoomTopic(in.RoomID))
	return AppendMessageResult{Stored: msg}, nil
}

// ListMessages implements MessageStore. Malformed records are logged and skipped.
func (s *RedisStore) ListMessages(ctx context.Context, roomID string) ([]Message, error) {
	docs, err := s.client.ZRange(ctx, s.messagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("redis.ListMessages", err)
	}

	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		m, err := parseMessageDoc(roomID, []byte(doc))
		if err != nil {
			s.log.Warn("chat.message.malformed", "backend", "redis", "room_id", roomID, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Listen relays Pub/Sub notifications from other instances into the local feed until ctx is done.
func (s *RedisStore) Listen(ctx context.Context) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer func() { _ = ps.Close() }()

	// Wait for the subscription confirmation so a failure surfaces here.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return storeErr("redis.Listen", err)
	}
	s.log.Info("chat.listen.started", "backend", "redis", "channel", s.channel)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return OpError{Op: "redis.Listen", Kind: ErrStoreUnavailable, Msg: "subscription closed"}
			}
			s.feed.Publish(Topic(m.Payload))
		}
	}
}

// publish notifies local watchers, then other instances. A failed remote publish is logged:
// the write already committed and local subscribers are unaffected.
func (s *RedisStore) publish(ctx context.Context, topics ...Topic) {
	for _, t := range topics {
		s.feed.Publish(t)
		if err := s.client.Publish(ctx, s.channel, string(t)).Err(); err != nil {
			s.log.Warn("chat.notify.failed", "backend", "redis", "topic", string(t), "err", err)
		}
	}
}
