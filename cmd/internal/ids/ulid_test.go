package ids

import (
	"testing"
	"time"
)

func TestNewULID_SortsWithinMillisecond(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000).UTC()

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("len=%d want 26", len(id))
		}
		if prev != "" && id <= prev {
			t.Fatalf("not monotonic: %q after %q", id, prev)
		}
		prev = id
	}

	ts, ok := Time(prev)
	if !ok || !ts.Equal(now) {
		t.Fatalf("Time=%v ok=%v want %v", ts, ok, now)
	}
}

func TestTime_RejectsGarbage(t *testing.T) {
	if _, ok := Time("not-a-ulid"); ok {
		t.Fatalf("expected parse failure")
	}
}
