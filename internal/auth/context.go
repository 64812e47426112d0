package auth

import (
	"context"
	"errors"
)

var (
	ErrNoIdentity = errors.New("no authenticated principal in context")
	ErrNoRole     = errors.New("principal has no role")
)

// Identity is the authenticated principal the core trusts as given.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, userID, email, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, Email: email, Role: role})
}

// IdentityFrom returns the principal stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

func UserID(ctx context.Context) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", ErrNoIdentity
	}
	return id.UserID, nil
}

// Email is "" when the token carried none.
func Email(ctx context.Context) string {
	id, _ := IdentityFrom(ctx)
	return id.Email
}

func Role(ctx context.Context) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", ErrNoIdentity
	}
	if id.Role == "" {
		return "", ErrNoRole
	}
	return id.Role, nil
}
