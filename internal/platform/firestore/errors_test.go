package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesStatus(t *testing.T) {
	cases := []struct {
		code                            codes.Code
		notFound, conflict, unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		err := WrapError("orders.get", status.Error(tc.code, "boom"))
		var fsErr *Error
		if !errors.As(err, &fsErr) {
			t.Fatalf("%s: expected *Error, got %T", tc.code, err)
		}
		if fsErr.IsNotFound() != tc.notFound || fsErr.IsConflict() != tc.conflict || fsErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %+v", tc.code, fsErr)
		}
		if fsErr.Op != "orders.get" {
			t.Fatalf("%s: expected op to be kept, got %q", tc.code, fsErr.Op)
		}
	}
}

func TestWrapErrorPassesThrough(t *testing.T) {
	if WrapError("x", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if err := WrapError("x", status.Error(codes.Canceled, "gone")); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("x", context.DeadlineExceeded); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline passthrough, got %v", err)
	}

	inner := WrapError("orders.get", status.Error(codes.NotFound, "missing"))
	if outer := WrapError("transaction", inner); outer != inner {
		t.Fatalf("expected classified error to be returned unchanged")
	}

	domainErr := errors.New("invalid transition")
	wrapped := WrapError("transaction", domainErr)
	if !errors.Is(wrapped, domainErr) {
		t.Fatalf("expected domain error to stay reachable")
	}
	var fsErr *Error
	if errors.As(wrapped, &fsErr) && (fsErr.IsNotFound() || fsErr.IsConflict() || fsErr.IsUnavailable()) {
		t.Fatalf("domain error must not be classified")
	}
}
