// Package failure classifies publish errors into stable categories used by
// logs and metrics.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

const (
	CategoryHTTPStatus = "http_status"
	CategoryTransport  = "transport"
	CategoryEncode     = "encode"
	CategoryConfig     = "config"
	CategoryPanic      = "panic"
	CategoryCanceled   = "canceled"
	CategoryUnknown    = "unknown"
)

// Error represents a stable, categorized publish failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a categorized publish error.
func New(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap categorizes err while keeping it reachable through errors.Is/As.
func Wrap(category string, detail string, err error) error {
	if err == nil {
		return nil
	}
	if detail == "" {
		detail = err.Error()
	}
	return &Error{Category: category, Detail: detail, Err: err}
}

// StatusError reports a non-2xx response from an HTTP sink.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.Code)
}

// Panic converts a recovered panic value into an error.
func Panic(value any) error {
	if err, ok := value.(error); ok {
		return &Error{Category: CategoryPanic, Detail: err.Error(), Err: err}
	}
	return New(CategoryPanic, fmt.Sprint(value))
}

// CategoryFromError returns the stable category for an error, or "" for nil.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	var status *StatusError
	if errors.As(err, &status) {
		return CategoryHTTPStatus
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCanceled
	}

	var urlErr *url.Error
	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.As(err, &opErr) {
		return CategoryTransport
	}

	return CategoryUnknown
}
