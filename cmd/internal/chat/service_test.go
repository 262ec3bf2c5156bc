package chat

import (
	"context"
	"errors"
	"testing"
)

func TestService_Send_OutsiderUnauthorizedNothingPersisted(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: newTestStore(t)}
	svc := NewService(testLogger(), store, nil, ServiceConfig{})
	room := mustEnsureRoom(t, store, 7, 42, "100")

	_, err := svc.Send(context.Background(), 99, room.ID, "let me in", "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v want ErrUnauthorized", err)
	}
	if n := store.appends.Load(); n != 0 {
		t.Fatalf("store append called %d times", n)
	}
	msgs, err := store.ListMessages(context.Background(), room.ID)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("messages=%v err=%v want none", msgs, err)
	}
}

func TestService_Send_RoleDerivedFromRoom(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	svc := NewService(testLogger(), store, nil, ServiceConfig{})
	room := mustEnsureRoom(t, store, 7, 42, "100")

	res, err := svc.Send(context.Background(), 42, room.ID, "Yes!", "c-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Stored.SenderRole != RoleSeller || res.Stored.SenderID != 42 {
		t.Fatalf("stored=%+v", res.Stored)
	}

	again, err := svc.Send(context.Background(), 42, room.ID, "Yes!", "c-1")
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if !again.Duplicated || again.Stored.ID != res.Stored.ID {
		t.Fatalf("resend must be idempotent: %+v", again)
	}
}

func TestService_Send_UnknownRoom(t *testing.T) {
	t.Parallel()

	svc := NewService(testLogger(), newTestStore(t), nil, ServiceConfig{})
	if _, err := svc.Send(context.Background(), 7, "chat_7_42_100", "hi", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestService_OpenConversation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	svc := NewService(testLogger(), store, nil, ServiceConfig{})
	ctx := context.Background()

	t.Run("outsider creates nothing", func(t *testing.T) {
		_, err := svc.OpenConversation(ctx, 99, 7, 42, "100")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("err=%v want ErrUnauthorized", err)
		}
		if _, err := store.GetRoom(ctx, "chat_7_42_100"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("room must not exist, GetRoom err=%v", err)
		}
	})

	t.Run("buyer", func(t *testing.T) {
		h, err := svc.OpenConversation(ctx, 7, 7, 42, "100")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if h.Room.ID != "chat_7_42_100" || h.Role() != RoleBuyer || !h.CanCompose() {
			t.Fatalf("handle=%+v role=%q", h.Room, h.Role())
		}
	})

	t.Run("seller by id", func(t *testing.T) {
		h, err := svc.OpenConversationByID(ctx, 42, "chat_7_42_100")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if h.Role() != RoleSeller {
			t.Fatalf("role=%q want seller", h.Role())
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		if _, err := svc.OpenConversationByID(ctx, 42, "chat_bogus"); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("err=%v want ErrInvalidInput", err)
		}
	})
}

func TestService_OpenProductConversation(t *testing.T) {
	t.Parallel()

	catalog := newFakeCatalog(
		Product{ID: "100", Name: "Textbook", OwnerID: 42},
		Product{ID: "orphan", Name: "No owner"},
	)
	svc := NewService(testLogger(), newTestStore(t), catalog, ServiceConfig{})
	ctx := context.Background()

	h, err := svc.OpenProductConversation(ctx, 7, "100")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if h.Room.ID != "chat_7_42_100" || h.Role() != RoleBuyer {
		t.Fatalf("room=%q role=%q", h.Room.ID, h.Role())
	}

	if _, err := svc.OpenProductConversation(ctx, 42, "100"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("owner err=%v want ErrInvalidInput", err)
	}
	if _, err := svc.OpenProductConversation(ctx, 7, "orphan"); !errors.Is(err, ErrProductResolutionFailed) {
		t.Fatalf("orphan err=%v want ErrProductResolutionFailed", err)
	}
	if _, err := svc.OpenProductConversation(ctx, 7, "missing"); !errors.Is(err, ErrProductResolutionFailed) {
		t.Fatalf("missing err=%v want ErrProductResolutionFailed", err)
	}
}

func TestService_Subscribe_Guarded(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	svc := NewService(testLogger(), store, nil, ServiceConfig{})
	room := mustEnsureRoom(t, store, 7, 42, "100")

	if _, err := svc.Subscribe(context.Background(), 99, room.ID, func([]Message) {}, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v want ErrUnauthorized", err)
	}
	sub, err := svc.Subscribe(context.Background(), 7, room.ID, func([]Message) {}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Cancel()
}
