package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestDeriveRoomID_Deterministic(t *testing.T) {
	t.Parallel()

	id, err := DeriveRoomID(7, 42, "100")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if id != "chat_7_42_100" {
		t.Fatalf("id=%q want chat_7_42_100", id)
	}

	again, _ := DeriveRoomID(7, 42, "100")
	if again != id {
		t.Fatalf("not deterministic: %q vs %q", again, id)
	}
}

func TestDeriveRoomID_RolesNotInterchangeable(t *testing.T) {
	t.Parallel()

	a, err := DeriveRoomID(1, 2, "10")
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	b, err := DeriveRoomID(2, 1, "10")
	if err != nil {
		t.Fatalf("derive b: %v", err)
	}
	if a == b {
		t.Fatalf("(1,2,10) and (2,1,10) collide: %q", a)
	}
}

func TestDeriveRoomID_RejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		buyer, seller ActorID
		product       ProductID
	}{
		{"same participant", 5, 5, "p1"},
		{"zero buyer", 0, 5, "p1"},
		{"negative seller", 5, -1, "p1"},
		{"empty product", 1, 2, ""},
		{"product with space", 1, 2, "a b"},
		{"product with slash", 1, 2, "a/b"},
		{"product too long", 1, 2, ProductID(strings.Repeat("x", 65))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DeriveRoomID(tc.buyer, tc.seller, tc.product)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err=%v want ErrInvalidInput", err)
			}
		})
	}
}

func TestParseRoomID_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		buyer, seller ActorID
		product       ProductID
	}{
		{7, 42, "100"},
		{1, 2, "a_b_c"},
		{123456789, 9, "sku-9_X"},
	}
	for _, tc := range cases {
		id, err := DeriveRoomID(tc.buyer, tc.seller, tc.product)
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		b, s, p, err := ParseRoomID(id)
		if err != nil {
			t.Fatalf("parse %q: %v", id, err)
		}
		if b != tc.buyer || s != tc.seller || p != tc.product {
			t.Fatalf("parse %q = (%d,%d,%q)", id, b, s, p)
		}
	}
}

func TestParseRoomID_RejectsNonCanonical(t *testing.T) {
	t.Parallel()

	for _, id := range []string{
		"",
		"chat_",
		"chat_7_42",
		"room_7_42_100",
		"chat_07_42_100",
		"chat_7_7_100",
		"chat_x_42_100",
		"chat_7_42_1 00",
	} {
		if _, _, _, err := ParseRoomID(id); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ParseRoomID(%q) err=%v want ErrInvalidInput", id, err)
		}
	}
}
