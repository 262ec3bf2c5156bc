// Package chat is the marketplace's real-time conversation core.
//
// A Room is the persistent identity of one buyer/seller/product conversation. Rooms are
// derived deterministically (DeriveRoomID), created idempotently (Rooms.EnsureRoom), and
// observed through push subscriptions (Streams.Subscribe). The ConversationList supervisor
// fans out one message stream per room the actor participates in and merges their
// "last message" previews into a single list.
//
// Persistence lives behind Store. Three backends are provided: InMemoryStore (dev/tests),
// PostgresStore (LISTEN/NOTIFY for cross-instance push) and RedisStore (Pub/Sub).
package chat
