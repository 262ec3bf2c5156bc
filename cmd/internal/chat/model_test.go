package chat

import (
	"testing"
	"time"
)

func TestSortMessages_TimestampThenSeq(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "c", Seq: 1, Timestamp: base.Add(3 * time.Second)},
		{ID: "a2", Seq: 3, Timestamp: base.Add(time.Second)},
		{ID: "b", Seq: 2, Timestamp: base.Add(2 * time.Second)},
		{ID: "a1", Seq: 2, Timestamp: base.Add(time.Second)},
	}
	SortMessages(msgs)

	got := make([]string, len(msgs))
	for i, m := range msgs {
		got[i] = m.ID
	}
	want := []string{"a1", "a2", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order=%v want %v", got, want)
		}
	}
}

func TestSortByRecency(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	room := func(id string, created time.Duration) Room {
		return Room{ID: id, CreatedAt: base.Add(created)}
	}
	last := func(seq int64, at time.Duration) *Message {
		return &Message{Seq: seq, Timestamp: base.Add(at)}
	}

	convs := []Conversation{
		{Room: room("old-empty", 0)},
		{Room: room("quiet", time.Minute), LastMessage: last(1, 2*time.Minute)},
		{Room: room("new-empty", 5*time.Minute)},
		{Room: room("busy", 2*time.Minute), LastMessage: last(4, 10*time.Minute)},
	}
	SortByRecency(convs)

	want := []string{"busy", "quiet", "new-empty", "old-empty"}
	for i, c := range convs {
		if c.Room.ID != want[i] {
			t.Fatalf("position %d: got %q want %q", i, c.Room.ID, want[i])
		}
	}
}
