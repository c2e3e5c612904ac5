package services

import (
	"strings"

	domain "github.com/hanko-field/cartengine/internal/domain"
)

const (
	sessionCartPrefix = "cart:session:"
	userCartPrefix    = "cart:user:"
)

// SessionCartKey builds the store key of an anonymous session cart.
func SessionCartKey(sessionID string) string {
	return sessionCartPrefix + strings.TrimSpace(sessionID)
}

// UserCartKey builds the store key of an authenticated user's cart.
func UserCartKey(userID string) string {
	return userCartPrefix + strings.TrimSpace(userID)
}

// CartKindForKey derives the cart kind from the key prefix. Keys of any other shape, or with an
// empty identifier, are rejected.
func CartKindForKey(cartKey string) (domain.CartKind, bool) {
	switch {
	case strings.HasPrefix(cartKey, sessionCartPrefix):
		if strings.TrimSpace(strings.TrimPrefix(cartKey, sessionCartPrefix)) == "" {
			return "", false
		}
		return domain.CartKindSession, true
	case strings.HasPrefix(cartKey, userCartPrefix):
		if strings.TrimSpace(strings.TrimPrefix(cartKey, userCartPrefix)) == "" {
			return "", false
		}
		return domain.CartKindUser, true
	default:
		return "", false
	}
}
