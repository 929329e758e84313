// Package auth checks the API key of catalog requests.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/feefomit/chizhick/contextx"
)

// HeaderAPIKey is the metadata key carrying the API key.
const HeaderAPIKey = "x-api-key"

// ErrInvalidKey is returned for a missing or wrong API key.
var ErrInvalidKey = status.Error(codes.Unauthenticated, "invalid API key")

// AuthFunc authenticates a gRPC request. It receives the request context,
// the full method name, and the incoming metadata. On success it returns a
// (possibly enriched) context; on failure it returns an error.
type AuthFunc func(ctx context.Context, fullMethod string, md metadata.MD) (context.Context, error)

// APIKey returns an AuthFunc that requires the x-api-key metadata to equal
// key. Methods under one of the exempt prefixes (e.g. "/chizhick.Health/")
// pass without a key. An empty key disables the check.
func APIKey(key string, exempt ...string) AuthFunc {
	if key == "" {
		return func(ctx context.Context, _ string, _ metadata.MD) (context.Context, error) {
			return ctx, nil
		}
	}
	want := []byte(key)
	id := KeyID(key)
	return func(ctx context.Context, fullMethod string, md metadata.MD) (context.Context, error) {
		for _, p := range exempt {
			if strings.HasPrefix(fullMethod, p) {
				return ctx, nil
			}
		}
		got := md.Get(HeaderAPIKey)
		if len(got) == 0 || subtle.ConstantTimeCompare([]byte(got[0]), want) != 1 {
			return nil, ErrInvalidKey
		}
		c, _ := contextx.CallerFromContext(ctx)
		c.KeyID = id
		return contextx.WithCaller(ctx, c), nil
	}
}

// KeyID returns a short fingerprint of key, safe to log.
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
