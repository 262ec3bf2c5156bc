package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{OpError{Kind: ErrUnauthorized}, "unauthorized"},
		{OpError{Kind: ErrEmptyMessage}, "empty_message"},
		{OpError{Kind: ErrMessageTooLong}, "invalid_input"},
		{OpError{Kind: ErrNotFound}, "not_found"},
		{OpError{Kind: ErrProductResolutionFailed}, "product_unavailable"},
		{OpError{Kind: ErrProfileResolutionFailed}, "reauthenticate"},
		{&RoomError{RoomID: "r", Err: OpError{Kind: ErrStoreUnavailable}}, "store_unavailable"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestStoreErr(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := storeErr("op", cause)
	if !IsStoreUnavailable(err) || !errors.Is(err, cause) {
		t.Fatalf("err=%v must unwrap to kind and cause", err)
	}

	nf := OpError{Op: "x", Kind: ErrNotFound}
	if got := storeErr("op", nf); !IsNotFound(got) || IsStoreUnavailable(got) {
		t.Fatalf("not found must pass through, got %v", got)
	}

	wrapped := fmt.Errorf("wrapped: %w", context.Canceled)
	if got := storeErr("op", wrapped); !errors.Is(got, context.Canceled) || IsStoreUnavailable(got) {
		t.Fatalf("cancellation must pass through, got %v", got)
	}
}
