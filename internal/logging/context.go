package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
)

var stderr = os.Stderr

type requestIDKey struct{}
type kindKey struct{}

// WithRequestID attaches a generation request id to every entry logged under ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// WithKind attaches the artifact kind being processed.
func WithKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, kindKey{}, kind)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 2)
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if kind, _ := ctx.Value(kindKey{}).(string); kind != "" {
		fields = append(fields, zap.String("artifact.kind", kind))
	}
	return fields
}
