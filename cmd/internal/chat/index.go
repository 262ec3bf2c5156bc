package chat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"unisale/cmd/internal/metrics"
)

// ConversationList is the live list of every conversation an actor participates in.
//
// A single supervisor goroutine owns all list state. Each room gets one child message stream
// whose callbacks only post events to the supervisor; events from a child that is no longer the
// room's current child are dropped, so a cancelled child can never mutate the list.
type ConversationList struct {
	log      *slog.Logger
	actor    ActorID
	rooms    RoomStore
	notifier Notifier
	streams  *Streams
	products *ProductCache

	mu         sync.Mutex
	subscribed bool
	cancel     context.CancelFunc
	refresh    chan struct{}
	resend     chan struct{}
	done       chan struct{}
}

func newConversationList(log *slog.Logger, actor ActorID, rooms RoomStore, notifier Notifier, streams *Streams, products *ProductCache) *ConversationList {
	return &ConversationList{
		log:      log.With("actor_id", int64(actor)),
		actor:    actor,
		rooms:    rooms,
		notifier: notifier,
		streams:  streams,
		products: products,
		refresh:  make(chan struct{}, 1),
		resend:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Subscribe starts the list. onUpdate receives the whole list, ordered by room creation, after
// every change. onError receives *RoomError for per-room failures (the list stays alive) and
// any other error for a fatal failure, after which the list is torn down. Subscribe may be
// called once per list.
func (l *ConversationList) Subscribe(ctx context.Context, onUpdate func([]Conversation), onError func(error)) error {
	if onUpdate == nil {
		return OpError{Op: "chat.ConversationList.Subscribe", Kind: ErrInvalidInput, Msg: "onUpdate is required"}
	}
	if onError == nil {
		onError = func(error) {}
	}

	l.mu.Lock()
	if l.subscribed {
		l.mu.Unlock()
		return OpError{Op: "chat.ConversationList.Subscribe", Kind: ErrAlreadySubscribed}
	}
	l.subscribed = true
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	// Watch before the first load so rooms created in between are not missed.
	w := l.notifier.Watch(ActorTopic(l.actor))

	metrics.ActiveConversationLists.Inc()
	l.log.Info("index.subscribe")

	go l.run(ctx, cancel, w, onUpdate, onError)
	return nil
}

// Refresh asks the list to reload its room set, reopen failed room streams and retry product
// lookups whose backoff has expired.
func (l *ConversationList) Refresh() {
	select {
	case l.refresh <- struct{}{}:
	default:
	}
}

// Resend is Refresh followed by an unconditional delivery of the current list, even when it
// equals the last one delivered.
func (l *ConversationList) Resend() {
	select {
	case l.resend <- struct{}{}:
	default:
	}
}

// Cancel tears the list down and waits until every child stream is cancelled. Idempotent.
// Must not be called from inside a callback.
func (l *ConversationList) Cancel() {
	l.mu.Lock()
	cancel := l.cancel
	started := l.subscribed
	l.subscribed = true // a cancelled list cannot be subscribed later
	l.mu.Unlock()

	if !started || cancel == nil {
		l.closeDone()
		return
	}
	cancel()
	<-l.done
}

// Done is closed once the list has been torn down.
func (l *ConversationList) Done() <-chan struct{} { return l.done }

func (l *ConversationList) closeDone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

type listEventKind int

const (
	evMessages listEventKind = iota
	evChildError
	evProduct
)

type listEvent struct {
	kind    listEventKind
	roomID  string
	gen     uint64
	msgs    []Message
	product Product
	err     error
}

type listEntry struct {
	room      Room
	product   *Product
	last      *Message
	gen       uint64
	child     *Subscription
	stop      context.CancelFunc
	failed    bool
	resolving bool
}

type supervisor struct {
	l        *ConversationList
	ctx      context.Context
	events   chan listEvent
	entries  map[string]*listEntry
	gen      uint64
	onUpdate func([]Conversation)
	onError  func(error)
	lastSig  string
	emitted  bool
}

func (l *ConversationList) run(ctx context.Context, cancel context.CancelFunc, w *Watch, onUpdate func([]Conversation), onError func(error)) {
	s := &supervisor{
		l:        l,
		ctx:      ctx,
		events:   make(chan listEvent, 64),
		entries:  make(map[string]*listEntry),
		onUpdate: onUpdate,
		onError:  onError,
	}

	defer l.closeDone()
	defer cancel()
	defer metrics.ActiveConversationLists.Dec()
	defer w.Close()
	defer s.closeAll()

	if !s.reconcile() {
		return
	}
	s.emit()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("index.unsubscribe")
			return
		case <-w.C():
			if !s.reconcile() {
				return
			}
			s.emit()
		case <-l.refresh:
			if !s.reconcile() {
				return
			}
			s.emit()
		case <-l.resend:
			if !s.reconcile() {
				return
			}
			s.emitted = false
			s.emit()
		case ev := <-s.events:
			if s.handle(ev) {
				s.emit()
			}
		}
	}
}

// reconcile reloads the room set and brings children in line with it. It returns false after
// a fatal room-set failure.
func (s *supervisor) reconcile() bool {
	rooms, err := s.l.rooms.ListRoomsByParticipant(s.ctx, s.l.actor)
	if err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		err = storeErr("chat.ConversationList", err)
		s.l.log.Warn("index.rooms.failed", "err", err)
		s.onError(err)
		return false
	}

	seen := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		if !CanParticipate(s.l.actor, room) {
			s.l.log.Warn("index.room.drop", "room_id", room.ID)
			continue
		}
		seen[room.ID] = struct{}{}

		e := s.entries[room.ID]
		if e == nil {
			e = &listEntry{room: room}
			if p, ok := s.l.products.Get(room.ProductID); ok {
				e.product = &p
			}
			s.entries[room.ID] = e
			s.openChild(e)
		} else if e.failed {
			s.openChild(e)
		}
		// A failed lookup is reported once per backoff window.
		if e.product == nil && !e.resolving && !s.l.products.inBackoff(room.ProductID) {
			s.resolveProduct(e)
		}
	}

	for id, e := range s.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		s.closeChild(e)
		delete(s.entries, id)
		s.l.log.Info("index.room.remove", "room_id", id)
	}
	return true
}

func (s *supervisor) openChild(e *listEntry) {
	s.closeChild(e)

	s.gen++
	gen := s.gen
	roomID := e.room.ID
	childCtx, stop := context.WithCancel(s.ctx)

	post := func(ev listEvent) {
		select {
		case s.events <- ev:
		case <-childCtx.Done():
		}
	}

	sub, err := s.l.streams.Subscribe(childCtx, roomID,
		func(msgs []Message) { post(listEvent{kind: evMessages, roomID: roomID, gen: gen, msgs: msgs}) },
		func(err error) { post(listEvent{kind: evChildError, roomID: roomID, gen: gen, err: err}) },
	)
	if err != nil {
		stop()
		e.failed = true
		s.onError(&RoomError{RoomID: roomID, Err: err})
		return
	}
	e.gen, e.child, e.stop, e.failed = gen, sub, stop, false
}

func (s *supervisor) closeChild(e *listEntry) {
	if e.child == nil {
		return
	}
	// Unblock a child callback waiting on the events channel before waiting for it.
	e.stop()
	e.child.Cancel()
	e.child, e.stop = nil, nil
}

func (s *supervisor) closeAll() {
	for _, e := range s.entries {
		s.closeChild(e)
	}
}

func (s *supervisor) resolveProduct(e *listEntry) {
	e.resolving = true
	roomID, productID := e.room.ID, e.room.ProductID
	go func() {
		p, err := s.l.products.Resolve(s.ctx, productID)
		select {
		case s.events <- listEvent{kind: evProduct, roomID: roomID, product: p, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

// handle applies one event and reports whether the list changed.
func (s *supervisor) handle(ev listEvent) bool {
	e := s.entries[ev.roomID]
	if e == nil {
		return false
	}

	switch ev.kind {
	case evMessages:
		if ev.gen != e.gen {
			return false
		}
		var last *Message
		if n := len(ev.msgs); n > 0 {
			m := ev.msgs[n-1]
			last = &m
		}
		if sameMessage(e.last, last) {
			return false
		}
		e.last = last
		return true

	case evChildError:
		if ev.gen != e.gen {
			return false
		}
		s.l.log.Warn("index.room.stream.failed", "room_id", ev.roomID, "err", ev.err)
		s.closeChild(e)
		e.failed = true
		s.onError(&RoomError{RoomID: ev.roomID, Err: ev.err})
		return false

	case evProduct:
		e.resolving = false
		// Every room sharing the product benefits from one successful lookup.
		if ev.err != nil {
			s.onError(&RoomError{RoomID: ev.roomID, Err: ev.err})
			return false
		}
		changed := false
		for _, other := range s.entries {
			if other.product == nil && other.room.ProductID == e.room.ProductID {
				p := ev.product
				other.product = &p
				changed = true
			}
		}
		return changed
	}
	return false
}

func sameMessage(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Seq == b.Seq
}

func (s *supervisor) emit() {
	out := make([]Conversation, 0, len(s.entries))
	for _, e := range s.entries {
		c := Conversation{Room: e.room}
		if e.product != nil {
			p := *e.product
			c.Product = &p
		}
		if e.last != nil {
			m := *e.last
			c.LastMessage = &m
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return roomLess(out[i].Room, out[j].Room) })

	sig := listSignature(out)
	if s.emitted && sig == s.lastSig {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.onUpdate(out)
	s.lastSig, s.emitted = sig, true
}

func listSignature(convs []Conversation) string {
	var b strings.Builder
	for _, c := range convs {
		b.WriteString(c.Room.ID)
		if c.Product != nil {
			b.WriteString("|p")
		}
		if c.LastMessage != nil {
			b.WriteString("|")
			b.WriteString(c.LastMessage.ID)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
