package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.With("component", "ws").WithGroup("req").Info("room.create", "room_id", "chat_7_42_100", "note", "two words")
	log.Debug("hidden")

	out := buf.String()
	for _, want := range []string{"INFO", "room.create", "component=ws", "req.room_id=chat_7_42_100", `req.note="two words"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("unexpected color codes: %q", out)
	}
}

func TestPrettyHandler_ColorsStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("http.request", "status", 503)

	if !strings.Contains(buf.String(), ansiRed+"503"+ansiReset) {
		t.Fatalf("status not colored: %q", buf.String())
	}
}
