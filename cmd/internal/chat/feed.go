package chat

import (
	"log/slog"
	"sync"
)

// Topic names a change stream. Room topics fire on new messages, actor topics fire when a room
// naming the actor is created.
type Topic string

// RoomTopic is the topic notified on every append to roomID.
func RoomTopic(roomID string) Topic { return Topic("room:" + roomID) }

// ActorTopic is the topic notified when a room naming id is created.
func ActorTopic(id ActorID) Topic { return Topic("actor:" + id.String()) }

// Feed is an in-process change notification fanout keyed by topic.
//
// Concurrency guarantees:
// - Watch/Close are safe under concurrent Publish.
// - Publish never blocks; pending notifications coalesce into one per watch.
type Feed struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[Topic]map[*Watch]struct{}
}

// NewFeed constructs an empty feed.
func NewFeed(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:    log,
		topics: make(map[Topic]map[*Watch]struct{}),
	}
}

// Watch registers interest in topic. The caller must Close the watch.
func (f *Feed) Watch(topic Topic) *Watch {
	w := &Watch{
		Topic: topic,
		feed:  f,
		c:     make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	f.mu.Lock()
	set := f.topics[topic]
	if set == nil {
		set = make(map[*Watch]struct{})
		f.topics[topic] = set
	}
	set[w] = struct{}{}
	f.mu.Unlock()

	f.log.Debug("feed.watch", "topic", string(topic))
	return w
}

// Publish notifies every watch on topic.
func (f *Feed) Publish(topic Topic) {
	if f == nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for w := range f.topics[topic] {
		select {
		case w.c <- struct{}{}:
		default:
			// A notification is already pending; the reader reloads anyway.
		}
	}
}

// Watchers returns the number of live watches on topic.
func (f *Feed) Watchers(topic Topic) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.topics[topic])
}

// Topics returns the number of topics with at least one live watch.
func (f *Feed) Topics() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.topics)
}

func (f *Feed) remove(w *Watch) {
	f.mu.Lock()
	if set := f.topics[w.Topic]; set != nil {
		delete(set, w)
		if len(set) == 0 {
			delete(f.topics, w.Topic)
		}
	}
	f.mu.Unlock()

	f.log.Debug("feed.unwatch", "topic", string(w.Topic))
}

// Watch is one registration on a Feed.
type Watch struct {
	Topic Topic

	feed      *Feed
	c         chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// C fires (coalesced) after each Publish on the topic.
func (w *Watch) C() <-chan struct{} { return w.c }

// Done is closed once Close has been called.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Close unregisters the watch. Idempotent.
func (w *Watch) Close() {
	w.closeOnce.Do(func() {
		w.feed.remove(w)
		close(w.done)
	})
}
