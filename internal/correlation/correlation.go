// Package correlation carries a correlation id across the HTTP hops of one
// change so every peer logs the same identifier.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/peersetd/internal/ids"
)

// HeaderName is the HTTP header that carries correlation ids between peers.
const HeaderName = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records id on ctx when it is valid.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx carrying a correlation id, generating one when absent.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return Set(ctx, Generate())
}

// FromRequest returns r's context with the incoming correlation id, or a new
// one when the header is missing or invalid.
func FromRequest(r *http.Request) context.Context {
	if id, ok := Normalize(r.Header.Get(HeaderName)); ok {
		return Set(r.Context(), id)
	}
	return Ensure(r.Context())
}

// Inject copies the correlation id on ctx onto an outgoing request.
func Inject(ctx context.Context, req *http.Request) {
	if id := ID(ctx); id != "" {
		req.Header.Set(HeaderName, id)
	}
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered correlation identifier.
func Generate() string {
	return ids.NewRequest()
}
