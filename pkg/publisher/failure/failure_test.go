package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
)

func TestCategoryFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "status", err: &StatusError{Code: 500}, want: CategoryHTTPStatus},
		{name: "wrapped status", err: fmt.Errorf("send: %w", &StatusError{Code: 404}), want: CategoryHTTPStatus},
		{name: "categorized", err: New(CategoryEncode, "bad json"), want: CategoryEncode},
		{name: "url error", err: &url.Error{Op: "Post", URL: "http://x", Err: errors.New("ECONNREFUSED")}, want: CategoryTransport},
		{name: "op error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, want: CategoryTransport},
		{name: "canceled", err: context.Canceled, want: CategoryCanceled},
		{name: "plain", err: errors.New("boom"), want: CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryFromError(tt.err); got != tt.want {
				t.Fatalf("CategoryFromError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusErrorMessageEmbedsCode(t *testing.T) {
	if got := (&StatusError{Code: 503}).Error(); got != "HTTP error! status: 503" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial failed")
	err := Wrap(CategoryTransport, "", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped error to match cause")
	}
	if err.Error() != "transport: dial failed" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if Wrap(CategoryTransport, "x", nil) != nil {
		t.Fatal("Wrap(nil) must return nil")
	}
}

func TestPanic(t *testing.T) {
	if got := CategoryFromError(Panic("nil map")); got != CategoryPanic {
		t.Fatalf("category = %q, want panic", got)
	}

	cause := errors.New("index out of range")
	if err := Panic(cause); !errors.Is(err, cause) {
		t.Fatal("expected panic error to wrap the recovered error")
	}
}
