package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"unisale/cmd/internal/metrics"
)

// MaxMessageRunes bounds message text length.
const MaxMessageRunes = 4000

// Streams opens push subscriptions on room message sequences and appends messages.
type Streams struct {
	log      *slog.Logger
	messages MessageStore
	notifier Notifier
}

// NewStreams constructs a Streams instance.
func NewStreams(log *slog.Logger, messages MessageStore, notifier Notifier) *Streams {
	if log == nil {
		log = slog.Default()
	}
	return &Streams{log: log, messages: messages, notifier: notifier}
}

// Subscription is the cancellation handle of a push subscription.
//
// Callbacks run on the subscription's own goroutine, one at a time. Once Cancel returns no
// callback is running and none will start. Cancel must not be called from inside a callback;
// callbacks that need to stop the subscription should cancel the context passed to Subscribe.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newSubscription(cancel context.CancelFunc) *Subscription {
	return &Subscription{cancel: cancel, done: make(chan struct{})}
}

// Cancel stops all future callbacks and releases the underlying watch. Idempotent.
func (s *Subscription) Cancel() {
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Done is closed once the subscription goroutine has exited, after Cancel, context
// cancellation, or a delivered error.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	fn()
	return true
}

type snapshotKey struct {
	n      int
	maxSeq int64
}

func snapshotOf(msgs []Message) snapshotKey {
	k := snapshotKey{n: len(msgs)}
	for _, m := range msgs {
		if m.Seq > k.maxSeq {
			k.maxSeq = m.Seq
		}
	}
	return k
}

// Subscribe opens a live feed of roomID's messages. onUpdate receives the full ordered sequence
// on attach and after every change. A load failure is delivered once to onError as
// ErrStoreUnavailable and ends the subscription. The subscription also ends when ctx is done.
func (s *Streams) Subscribe(ctx context.Context, roomID string, onUpdate func([]Message), onError func(error)) (*Subscription, error) {
	if roomID == "" || onUpdate == nil {
		return nil, OpError{Op: "chat.Subscribe", Kind: ErrInvalidInput, Msg: "room id and onUpdate are required"}
	}
	if onError == nil {
		onError = func(error) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel)

	// Watch before the first load so no append between load and watch is missed.
	w := s.notifier.Watch(RoomTopic(roomID))

	metrics.ActiveStreams.Inc()
	s.log.Debug("stream.subscribe", "room_id", roomID)

	go s.run(ctx, sub, w, roomID, onUpdate, onError)
	return sub, nil
}

func (s *Streams) run(ctx context.Context, sub *Subscription, w *Watch, roomID string, onUpdate func([]Message), onError func(error)) {
	defer close(sub.done)
	defer metrics.ActiveStreams.Dec()
	defer sub.cancel()
	defer w.Close()

	var (
		last  snapshotKey
		first = true
	)
	for {
		msgs, err := s.messages.ListMessages(ctx, roomID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = storeErr("chat.Subscribe", err)
			s.log.Warn("stream.load.failed", "room_id", roomID, "err", err)
			sub.deliver(func() { onError(err) })
			return
		}

		SortMessages(msgs)
		if key := snapshotOf(msgs); first || key != last {
			first, last = false, key
			if !sub.deliver(func() { onUpdate(msgs) }) {
				return
			}
		}

		select {
		case <-ctx.Done():
			s.log.Debug("stream.unsubscribe", "room_id", roomID)
			return
		case <-w.C():
		}
	}
}

// SendInput describes one message append. The caller has already applied the authorization
// guard; Send is pure I/O plus text validation.
type SendInput struct {
	RoomID      string
	SenderID    ActorID
	SenderRole  Role
	Text        string
	ClientMsgID string

	// Timestamp overrides the store clock (imports, tests). Zero means store-assigned.
	Timestamp time.Time
}

// Send appends a message. Blank text is rejected before the store is touched.
func (s *Streams) Send(ctx context.Context, in SendInput) (AppendMessageResult, error) {
	const op = "chat.Send"

	text := strings.TrimSpace(in.Text)
	if text == "" {
		metrics.SendsRejected.WithLabelValues("empty").Inc()
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrEmptyMessage}
	}
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		metrics.SendsRejected.WithLabelValues("too_long").Inc()
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrMessageTooLong}
	}
	if !utf8.ValidString(text) {
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "text must be valid UTF-8"}
	}
	if !in.SenderRole.Valid() {
		return AppendMessageResult{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid sender role"}
	}

	res, err := s.messages.AppendMessage(ctx, AppendMessageInput{
		RoomID:      in.RoomID,
		ClientMsgID: in.ClientMsgID,
		SenderID:    in.SenderID,
		SenderRole:  in.SenderRole,
		Text:        text,
		Timestamp:   in.Timestamp,
	})
	if err != nil {
		s.log.Warn("message.append.failed", "room_id", in.RoomID, "err", err)
		return AppendMessageResult{}, storeErr(op, err)
	}
	if !res.Duplicated {
		metrics.MessagesSent.WithLabelValues(string(in.SenderRole)).Inc()
	}
	s.log.Debug("message.append",
		"room_id", in.RoomID,
		"message_id", res.Stored.ID,
		"seq", res.Stored.Seq,
		"duplicated", res.Duplicated,
	)
	return res, nil
}
