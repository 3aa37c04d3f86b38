package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey     ctxKey = "request_id"
	correlationIDKey ctxKey = "correlation_id"
	tenantIDKey      ctxKey = "tenant_id"
	deviceIDKey      ctxKey = "device_id"
	actorTypeKey     ctxKey = "actor_type"
	actorIDKey       ctxKey = "actor_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return withString(ctx, correlationIDKey, id)
}

func CorrelationIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, correlationIDKey)
}

func WithTenantID(ctx context.Context, id string) context.Context {
	return withString(ctx, tenantIDKey, id)
}

func TenantIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, tenantIDKey)
}

func WithDeviceID(ctx context.Context, id string) context.Context {
	return withString(ctx, deviceIDKey, id)
}

func DeviceIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, deviceIDKey)
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
