package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is the signed-in customer that owns a user cart.
type Identity struct {
	UID string
	// Locale is the customer's preferred locale claim; empty when the token carries none.
	Locale string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func identityFromToken(token *firebaseauth.Token, localeClaim string) (*Identity, bool) {
	if token == nil {
		return nil, false
	}
	uid := strings.TrimSpace(token.UID)
	if uid == "" {
		return nil, false
	}
	identity := &Identity{UID: uid}
	if raw, ok := token.Claims[localeClaim].(string); ok {
		identity.Locale = strings.TrimSpace(raw)
	}
	return identity, true
}
