// Package extractor defines the upstream catalog capability consumed by the
// coordinator and an HTTP implementation of it.
//
// A Client holds a live upstream session. It may stop working at any time;
// once it has, its calls fail with an error that wraps ErrClosed.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by every call on a Client that has been closed or
// whose underlying session went away.
var ErrClosed = errors.New("extractor: session closed")

// Client is a live upstream session.
type Client interface {
	ActiveOffers(ctx context.Context) (json.RawMessage, error)
	Cities(ctx context.Context, search string, page int) (json.RawMessage, error)
	Tree(ctx context.Context, cityID string) (json.RawMessage, error)
	Products(ctx context.Context, cityID string, categoryID, page int) (json.RawMessage, error)
	Close(ctx context.Context) error
}

// Factory creates and warms up a new Client.
type Factory func(ctx context.Context) (Client, error)

// StatusError is a non-2xx answer from the upstream API.
type StatusError struct {
	Code int
	Path string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("extractor: %s: status %d", e.Path, e.Code)
	}
	return fmt.Sprintf("extractor: %s: status %d: %s", e.Path, e.Code, e.Body)
}
