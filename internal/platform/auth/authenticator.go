// Package auth verifies Firebase ID tokens on cart requests and exposes the resulting identity.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/cartengine/internal/platform/httpx"
)

const (
	defaultLocaleClaim   = "locale"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens. *firebaseauth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into identities for the cart routes.
type Authenticator struct {
	verifier    TokenVerifier
	localeClaim string
	timeout     time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithLocaleClaim overrides the custom claim read into Identity.Locale.
func WithLocaleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.localeClaim = claim
		}
	}
}

// WithVerifyTimeout bounds each token verification.
func WithVerifyTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator. A nil verifier is allowed: anonymous requests keep
// working and any request presenting a token gets a 503.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:    verifier,
		localeClaim: defaultLocaleClaim,
		timeout:     defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth rejects requests without a valid bearer token.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeAuthError(w, r, authError{status: http.StatusUnauthorized, code: "unauthenticated", message: "bearer token required"})
				return
			}
			a.serveVerified(w, r, next, token)
		})
	}
}

// OptionalFirebaseAuth attaches an identity when a bearer token is supplied and lets anonymous
// requests through untouched. A token that is present but fails verification is still rejected.
func (a *Authenticator) OptionalFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if strings.TrimSpace(header) == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(header)
			if !ok {
				writeAuthError(w, r, authError{status: http.StatusUnauthorized, code: "unauthenticated", message: "authorization header must be a bearer token"})
				return
			}
			a.serveVerified(w, r, next, token)
		})
	}
}

func (a *Authenticator) serveVerified(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	identity, failure := a.verify(r.Context(), token)
	if failure != nil {
		writeAuthError(w, r, *failure)
		return
	}
	next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
}

func (a *Authenticator) verify(ctx context.Context, raw string) (*Identity, *authError) {
	if a == nil || a.verifier == nil {
		return nil, &authError{status: http.StatusServiceUnavailable, code: "auth_unavailable", message: "sign-in verification is unavailable"}
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		failure := classifyVerifyError(err)
		return nil, &failure
	}
	identity, ok := identityFromToken(token, a.localeClaim)
	if !ok {
		return nil, &authError{status: http.StatusUnauthorized, code: "invalid_token", message: "id token has no subject", bearerError: "invalid_token"}
	}
	return identity, nil
}

type authError struct {
	status      int
	code        string
	message     string
	bearerError string
}

func classifyVerifyError(err error) authError {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return authError{status: http.StatusUnauthorized, code: "token_expired", message: "id token expired", bearerError: "invalid_token"}
	case firebaseauth.IsIDTokenRevoked(err):
		return authError{status: http.StatusUnauthorized, code: "token_revoked", message: "id token revoked", bearerError: "invalid_token"}
	case firebaseauth.IsCertificateFetchFailed(err), errors.Is(err, context.DeadlineExceeded):
		return authError{status: http.StatusServiceUnavailable, code: "auth_unavailable", message: "sign-in verification is unavailable"}
	default:
		return authError{status: http.StatusUnauthorized, code: "invalid_token", message: "id token invalid", bearerError: "invalid_token"}
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, failure authError) {
	if failure.status == http.StatusUnauthorized {
		challenge := `Bearer realm="cart"`
		if failure.bearerError != "" {
			challenge += `, error="` + failure.bearerError + `"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}
	httpx.WriteError(r.Context(), w, httpx.NewError(failure.code, failure.message, failure.status))
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
