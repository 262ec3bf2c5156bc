package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"unisale/cmd/internal/ids"
)

const (
	defaultPGSchema        = "unisale"
	defaultPGNotifyChannel = "unisale_chat"

	pgForeignKeyViolation = "23503"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Room creation is a single INSERT .. ON CONFLICT DO NOTHING, so racing creators converge.
// - Appends take a per-room transactional advisory lock, which guarantees gap-free seq and
//   strictly increasing server timestamps.
// - Every write issues pg_notify inside its transaction; Listen relays those notifications
//   into the local feed so other instances observe the change.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	channel string
	feed    *Feed
	log     *slog.Logger
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "unisale").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithNotifyChannel sets the LISTEN/NOTIFY channel (default: "unisale_chat").
func WithNotifyChannel(channel string) PostgresOption {
	return func(s *PostgresStore) error {
		channel = strings.TrimSpace(channel)
		if !isValidPGIdent(channel) {
			return errors.New("chat: invalid notify channel")
		}
		s.channel = channel
		return nil
	}
}

// WithPostgresFeed shares an existing feed.
func WithPostgresFeed(f *Feed) PostgresOption {
	return func(s *PostgresStore) error {
		s.feed = f
		return nil
	}
}

// WithPostgresLogger sets the store logger.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		s.log = log
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:    pool,
		schema:  defaultPGSchema,
		channel: defaultPGNotifyChannel,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	if st.log == nil {
		st.log = slog.Default()
	}
	if st.feed == nil {
		st.feed = NewFeed(st.log)
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Watch implements Notifier.
func (s *PostgresStore) Watch(topic Topic) *Watch { return s.feed.Watch(topic) }

// Migrate creates the store's schema objects if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	return nil
}

// PostgresSchemaSQL returns the DDL for the given schema.
func PostgresSchemaSQL(schema string) string {
	rooms := pgIdent(schema, "rooms")
	cursors := pgIdent(schema, "room_cursors")
	messages := pgIdent(schema, "messages")

	return `CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize() + `;

CREATE TABLE IF NOT EXISTS ` + rooms + ` (
    id          text        PRIMARY KEY,
    buyer_id    bigint      NOT NULL,
    seller_id   bigint      NOT NULL,
    product_id  text        NOT NULL,
    created_at  timestamptz NOT NULL DEFAULT clock_timestamp(),
    CHECK (buyer_id <> seller_id)
);
CREATE INDEX IF NOT EXISTS rooms_buyer_idx  ON ` + rooms + ` (buyer_id);
CREATE INDEX IF NOT EXISTS rooms_seller_idx ON ` + rooms + ` (seller_id);

CREATE TABLE IF NOT EXISTS ` + cursors + ` (
    room_id   text        PRIMARY KEY REFERENCES ` + rooms + ` (id) ON DELETE CASCADE,
    next_seq  bigint      NOT NULL,
    last_ts   timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + messages + ` (
    room_id        text        NOT NULL REFERENCES ` + rooms + ` (id) ON DELETE CASCADE,
    seq            bigint      NOT NULL,
    id             text        NOT NULL,
    client_msg_id  text,
    sender_id      bigint      NOT NULL,
    sender_role    text        NOT NULL CHECK (sender_role IN ('buyer', 'seller')),
    text           text        NOT NULL CHECK (text <> ''),
    ts             timestamptz NOT NULL,
    PRIMARY KEY (room_id, seq),
    UNIQUE (room_id, client_msg_id)
);`
}

// GetRoom implements RoomStore.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT id, buyer_id, seller_id, product_id, created_at
		   FROM `+pgIdent(s.schema, "rooms")+`
		  WHERE id = $1`,
		roomID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, OpError{Op: "postgres.GetRoom", Kind: ErrNotFound}
	}
	if err != nil {
		return Room{}, storeErr("postgres.GetRoom", err)
	}
	return room, nil
}

// CreateRoomIfAbsent implements RoomStore.
func (s *PostgresStore) CreateRoomIfAbsent(ctx context.Context, room Room) (Room, bool, error) {
	const op = "postgres.CreateRoomIfAbsent"
	if room.ID == "" {
		return Room{}, false, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing room id"}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Room{}, false, storeErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "rooms")

	var createdAt time.Time
	err = tx.QueryRow(ctx,
		`INSERT INTO `+rooms+` (id, buyer_id, seller_id, product_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING created_at`,
		room.ID, int64(room.BuyerID), int64(room.SellerID), string(room.ProductID),
	).Scan(&createdAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Lost the race (or the room already existed): the committed record wins.
		existing, err := scanRoom(tx.QueryRow(ctx,
			`SELECT id, buyer_id, seller_id, product_id, created_at FROM `+rooms+` WHERE id = $1`,
			room.ID,
		))
		if err != nil {
			return Room{}, false, storeErr(op, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Room{}, false, storeErr(op, err)
		}
		return existing, false, nil
	case err != nil:
		return Room{}, false, storeErr(op, err)
	}

	room.CreatedAt = createdAt.UTC()
	for _, topic := range []Topic{ActorTopic(room.BuyerID), ActorTopic(room.SellerID)} {
		if err := s.notify(ctx, tx, topic); err != nil {
			return Room{}, false, storeErr(op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Room{}, false, storeErr(op, err)
	}

	s.feed.Publish(ActorTopic(room.BuyerID))
	s.feed.Publish(ActorTopic(room.SellerID))
	return room, true, nil
}

// ListRoomsByParticipant implements RoomStore.
func (s *PostgresStore) ListRoomsByParticipant(ctx context.Context, actor ActorID) ([]Room, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, buyer_id, seller_id, product_id, created_at
		   FROM `+pgIdent(s.schema, "rooms")+`
		  WHERE buyer_id = $1 OR seller_id = $1
		  ORDER BY created_at ASC, id ASC`,
		int64(actor),
	)
	if err != nil {
		return nil, storeErr("postgres.ListRoomsByParticipant", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, storeErr("postgres.ListRoomsByParticipant", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("postgres.ListRoomsByParticipant", err)
	}
	return out, nil
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "postgres.AppendMessage"
	if err := in.validate(op); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, storeErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per room so that seq has no gaps and ts never goes backwards.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return AppendMessageResult{}, storeErr(op, fmt.Errorf("advisory lock: %w", err))
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT room_id, seq, id, client_msg_id, sender_id, sender_role, text, ts
			   FROM `+messages+`
			  WHERE room_id = $1 AND client_msg_id = $2`,
			in.RoomID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, storeErr(op, err)
			}
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, storeErr(op, err)
		}
	}

	// Cursor row ensures monotonic seq and ts allocation. The FK rejects unknown rooms.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq, last_ts)
		 VALUES ($1, 1, to_timestamp(0))
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		if isPGCode(err, pgForeignKeyViolation) {
			return AppendMessageResult{}, OpError{Op: op, Kind: ErrNotFound, Msg: "room not found"}
		}
		return AppendMessageResult{}, storeErr(op, err)
	}

	var explicit *time.Time
	if !in.Timestamp.IsZero() {
		t := in.Timestamp.UTC()
		explicit = &t
	}

	var (
		seq int64
		ts  time.Time
	)
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        last_ts  = CASE WHEN $2::timestamptz IS NULL
		                        THEN GREATEST(clock_timestamp(), last_ts + interval '1 microsecond')
		                        ELSE GREATEST(last_ts, $2::timestamptz)
		                   END
		  WHERE room_id = $1
		RETURNING (next_seq - 1), COALESCE($2::timestamptz, last_ts)`,
		in.RoomID, explicit,
	).Scan(&seq, &ts); err != nil {
		return AppendMessageResult{}, storeErr(op, err)
	}
	ts = ts.UTC()

	id, err := ids.NewULID(ts)
	if err != nil {
		return AppendMessageResult{}, storeErr(op, err)
	}

	var clientMsgID *string
	if in.ClientMsgID != "" {
		clientMsgID = &in.ClientMsgID
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     room_id, seq, id, client_msg_id, sender_id, sender_role, text, ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.RoomID, seq, id, clientMsgID, int64(in.SenderID), string(in.SenderRole), in.Text, ts,
	); err != nil {
		return AppendMessageResult{}, storeErr(op, fmt.Errorf("insert message: %w", err))
	}

	if err := s.notify(ctx, tx, RoomTopic(in.RoomID)); err != nil {
		return AppendMessageResult{}, storeErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, storeErr(op, err)
	}

	s.feed.Publish(RoomTopic(in.RoomID))
	return AppendMessageResult{Stored: Message{
		ID:          id,
		RoomID:      in.RoomID,
		Seq:         seq,
		ClientMsgID: in.ClientMsgID,
		SenderID:    in.SenderID,
		SenderRole:  in.SenderRole,
		Text:        in.Text,
		Timestamp:   ts,
	}}, nil
}

// ListMessages returns the room's messages ordered by (ts, seq).
func (s *PostgresStore) ListMessages(ctx context.Context, roomID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT room_id, seq, id, client_msg_id, sender_id, sender_role, text, ts
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE room_id = $1
		  ORDER BY ts ASC, seq ASC`,
		roomID,
	)
	if err != nil {
		return nil, storeErr("postgres.ListMessages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr("postgres.ListMessages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("postgres.ListMessages", err)
	}
	return out, nil
}

// Listen relays NOTIFY payloads from other instances into the local feed until ctx is done.
func (s *PostgresStore) Listen(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return storeErr("postgres.Listen", err)
	}
	// A context-cancelled wait closes the underlying conn; Release then discards it.
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return storeErr("postgres.Listen", err)
	}
	s.log.Info("chat.listen.started", "backend", "postgres", "channel", s.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return storeErr("postgres.Listen", err)
		}
		s.feed.Publish(Topic(n.Payload))
	}
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, topic Topic) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(topic))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var (
		r             Room
		buyer, seller int64
		product       string
		createdAt     time.Time
	)
	if err := row.Scan(&r.ID, &buyer, &seller, &product, &createdAt); err != nil {
		return Room{}, err
	}
	r.BuyerID = ActorID(buyer)
	r.SellerID = ActorID(seller)
	r.ProductID = ProductID(product)
	r.CreatedAt = createdAt.UTC()
	return r, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		clientMsgID *string
		sender      int64
		role        string
		ts          time.Time
	)
	if err := row.Scan(&m.RoomID, &m.Seq, &m.ID, &clientMsgID, &sender, &role, &m.Text, &ts); err != nil {
		return Message{}, err
	}
	if clientMsgID != nil {
		m.ClientMsgID = *clientMsgID
	}
	m.SenderID = ActorID(sender)
	m.SenderRole = Role(role)
	m.Timestamp = ts.UTC()
	return m, nil
}

func isPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
