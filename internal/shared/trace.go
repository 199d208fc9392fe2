package shared

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewProxyTraceID builds a trace_id scoped to the spec/proxy pair an
// admission request is acting on, so a log line or audit entry can be
// traced back to the request that produced it without a separate
// correlation table: "<specID>/<proxyID>/<random>".
func NewProxyTraceID(specID, proxyID string) string {
	if specID == "" {
		specID = "-"
	}
	if proxyID == "" {
		proxyID = "-"
	}
	return fmt.Sprintf("%s/%s/%s", specID, proxyID, uuid.NewString()[:8])
}
