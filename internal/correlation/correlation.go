// Package correlation carries the id that ties an API request to the action
// log operations and participant deliveries it causes.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/tpcd/internal/ids"
)

// Header is the HTTP header carrying the correlation id on the API and on
// deliveries to participants.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a copy of ctx carrying id. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
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

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
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

// Generate produces a new correlation identifier.
func Generate() string {
	return ids.Request()
}

// FromHeader returns ctx carrying the id from h, or a generated one when h
// has none or an invalid one. An id already on ctx is kept.
func FromHeader(ctx context.Context, h http.Header) context.Context {
	if Has(ctx) {
		return ctx
	}
	if id, ok := Normalize(h.Get(Header)); ok {
		return Set(ctx, id)
	}
	return Set(ctx, Generate())
}

// Inject copies the id on ctx onto h.
func Inject(ctx context.Context, h http.Header) {
	if id := ID(ctx); id != "" {
		h.Set(Header, id)
	}
}

// ForInstance returns ctx carrying an id for background work on instanceID:
// the existing id when present, otherwise the instance id itself.
func ForInstance(ctx context.Context, instanceID string) context.Context {
	if Has(ctx) {
		return ctx
	}
	return Set(ctx, instanceID)
}
