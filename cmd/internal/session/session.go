package session

import (
	"context"
	"log/slog"
	"time"

	"unisale/cmd/internal/chat"
	"unisale/cmd/internal/ids"
	"unisale/cmd/internal/marketplace"
)

// ProfileResolver maps an authenticated email to a marketplace profile.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, email string) (marketplace.Profile, error)
}

// Session is an opened, immutable session.
type Session struct {
	ID       string
	Actor    chat.Actor
	OpenedAt time.Time
}

// Open resolves identity into an Actor. A resolver failure is fatal to the session and is
// reported as chat.ErrProfileResolutionFailed.
func Open(ctx context.Context, log *slog.Logger, identity Identity, resolver ProfileResolver) (*Session, error) {
	const op = "session.Open"

	if identity.Email == "" {
		return nil, ErrUnauthenticated
	}
	if resolver == nil {
		return nil, chat.OpError{Op: op, Kind: chat.ErrProfileResolutionFailed, Msg: "no profile resolver"}
	}

	profile, err := resolver.ResolveProfile(ctx, identity.Email)
	if err != nil {
		if log != nil {
			log.Warn("session.profile.failed", "err", err)
		}
		return nil, chat.OpError{Op: op, Kind: chat.ErrProfileResolutionFailed, Err: err}
	}
	if !profile.ID.Valid() {
		return nil, chat.OpError{Op: op, Kind: chat.ErrProfileResolutionFailed, Msg: "profile has no id"}
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return nil, chat.OpError{Op: op, Kind: chat.ErrProfileResolutionFailed, Err: err}
	}

	return &Session{
		ID: id,
		Actor: chat.Actor{
			ID:          profile.ID,
			Email:       identity.Email,
			DisplayName: profile.Name,
		},
		OpenedAt: now,
	}, nil
}
