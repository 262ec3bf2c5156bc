package chat

import (
	"context"
	"errors"
	"log/slog"

	"unisale/cmd/internal/metrics"
)

// Rooms is the fetch-or-create front of a RoomStore.
type Rooms struct {
	log   *slog.Logger
	store RoomStore
}

// NewRooms constructs a Rooms instance.
func NewRooms(log *slog.Logger, store RoomStore) *Rooms {
	if log == nil {
		log = slog.Default()
	}
	return &Rooms{log: log, store: store}
}

// EnsureRoom returns the room record for id, creating it if absent. id must be the canonical
// id for (buyer, seller, product). Concurrent callers converge on one stored record.
func (r *Rooms) EnsureRoom(ctx context.Context, id string, buyer, seller ActorID, product ProductID) (Room, error) {
	const op = "chat.EnsureRoom"

	want, err := DeriveRoomID(buyer, seller, product)
	if err != nil {
		return Room{}, err
	}
	if id != want {
		return Room{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "room id does not match participants"}
	}

	room, err := r.store.GetRoom(ctx, id)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrNotFound) {
		r.log.Warn("room.get.failed", "room_id", id, "err", err)
		return Room{}, storeErr(op, err)
	}

	room, created, err := r.store.CreateRoomIfAbsent(ctx, Room{
		ID:        id,
		BuyerID:   buyer,
		SellerID:  seller,
		ProductID: product,
	})
	if err != nil {
		r.log.Warn("room.create.failed", "room_id", id, "err", err)
		return Room{}, storeErr(op, err)
	}
	if created {
		metrics.RoomsCreated.Inc()
		r.log.Info("room.create", "room_id", id, "buyer_id", int64(buyer), "seller_id", int64(seller), "product_id", string(product))
	}
	return room, nil
}

// Get loads an existing room.
func (r *Rooms) Get(ctx context.Context, id string) (Room, error) {
	room, err := r.store.GetRoom(ctx, id)
	if err != nil {
		return Room{}, storeErr("chat.GetRoom", err)
	}
	return room, nil
}
