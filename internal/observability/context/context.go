// Package context carries request-scoped identifiers used for log and trace correlation.
package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type ownerIDKey struct{}
type actorKey struct{}
type templateIDKey struct{}

type actor struct {
	actorType string
	actorID   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerIDKey{}, ownerID)
}

func OwnerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(ownerIDKey{}).(string)
	return value
}

// WithActor records who triggered the work, e.g. ("system", "scanner").
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return value.actorType, value.actorID
}

// WithTemplateID tags work done on behalf of one recurring template.
func WithTemplateID(ctx context.Context, templateID string) context.Context {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return ctx
	}
	return context.WithValue(ctx, templateIDKey{}, templateID)
}

func TemplateIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(templateIDKey{}).(string)
	return value
}
