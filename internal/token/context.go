package token

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey   ctxKey = "auth_user_id"
	familyIDKey ctxKey = "auth_family_id"
)

// ContextWithIdentity stores the verified token identity in the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(id.UserID))
	if id.FamilyID != "" {
		ctx = context.WithValue(ctx, familyIDKey, id.FamilyID)
	}
	return ctx
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// FamilyIDFromContext extracts the refresh-family reference from context.
func FamilyIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(familyIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
