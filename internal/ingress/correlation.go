package ingress

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type correlationKey struct{}

// NewCorrelationID generates an 8-hex-character ID for one ingress
// update, attached to every log line downstream of dispatch.
func NewCorrelationID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// WithCorrelationID attaches id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the attached ID, or "" if none.
func CorrelationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}
