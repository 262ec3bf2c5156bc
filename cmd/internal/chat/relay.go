package chat

import (
	"context"
	"log/slog"
	"time"
)

// Listener is implemented by backends that relay change notifications from other instances.
type Listener interface {
	Listen(ctx context.Context) error
}

const (
	relayMinBackoff = 500 * time.Millisecond
	relayMaxBackoff = 30 * time.Second
)

// RunListener keeps l running until ctx is done, restarting after failures with a capped
// exponential backoff. While the relay is down, local writes still notify local watchers.
func RunListener(ctx context.Context, log *slog.Logger, name string, l Listener) error {
	backoff := relayMinBackoff
	for {
		started := time.Now()
		err := l.Listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > relayMaxBackoff {
			backoff = relayMinBackoff
		}
		log.Warn("chat.listen.failed", "backend", name, "err", err, "retry_in", backoff.String())

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if backoff *= 2; backoff > relayMaxBackoff {
			backoff = relayMaxBackoff
		}
	}
}
