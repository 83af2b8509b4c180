package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Category string

const (
	CategoryTimeout        Category = "timeout"
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategoryQuota          Category = "quota"
	CategoryRateLimit      Category = "rate_limit"
	CategoryBadResponse    Category = "bad_response"
	CategoryUnparseable    Category = "unparseable"
	CategoryUnexpected     Category = "unexpected"
)

// InfoProvider returns the descriptive text for an animal name.
type InfoProvider interface {
	FetchInfo(ctx context.Context, query string) (string, error)
}

type Image struct {
	Data     []byte
	MIME     string
	Filename string
	Prompt   string
}

type ImageProvider interface {
	FetchImage(ctx context.Context, query string) (Image, error)
}

type Error struct {
	Provider string
	Category Category
	Details  string
	Err      error
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Category)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Category, e.Details)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err as a provider error with a coarse category.
func Classify(name string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	cat := CategoryUnexpected
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		cat = CategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		cat = CategoryTimeout
	case errors.As(err, &netErr):
		cat = CategoryConnection
	}
	return &Error{Provider: name, Category: cat, Details: err.Error(), Err: err}
}

// FromStatus maps a non-2xx HTTP response to a provider error.
func FromStatus(name string, status int, body string) *Error {
	cat := CategoryBadResponse
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		cat = CategoryAuthentication
	case status == http.StatusTooManyRequests:
		cat = CategoryRateLimit
	case status == http.StatusPaymentRequired:
		cat = CategoryQuota
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		cat = CategoryTimeout
	case status >= 500:
		cat = CategoryConnection
	}
	return &Error{
		Provider: name,
		Category: cat,
		Details:  fmt.Sprintf("status %d: %s", status, truncate(body, 300)),
	}
}

func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryUnexpected
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Unconfigured stands in for a provider whose credentials or endpoint are
// missing. Every call fails with an authentication error naming Reason.
type Unconfigured struct {
	Name   string
	Reason string
}

func (u Unconfigured) FetchInfo(context.Context, string) (string, error) {
	return "", u.err()
}

func (u Unconfigured) FetchImage(context.Context, string) (Image, error) {
	return Image{}, u.err()
}

func (u Unconfigured) err() error {
	return &Error{Provider: u.Name, Category: CategoryAuthentication, Details: u.Reason}
}
