package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/replaycast/replaycast/internal/ledger"
)

// TokenLookup resolves plaintext tokens. *ledger.Store implements it.
type TokenLookup interface {
	LookupToken(ctx context.Context, token string) (*ledger.CapabilityToken, error)
}

// Authenticator validates a connection token and its permissions.
type Authenticator struct {
	tokens TokenLookup
}

// NewAuthenticator creates an Authenticator backed by tokens.
func NewAuthenticator(tokens TokenLookup) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Authenticate returns the token record if token is active and carries want.
func (a *Authenticator) Authenticate(ctx context.Context, token string, want ledger.Permission) (*ledger.CapabilityToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	tok, err := a.tokens.LookupToken(ctx, token)
	if errors.Is(err, ledger.ErrTokenNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !tok.Permissions.Has(want) {
		return nil, ErrUnauthorized
	}
	return tok, nil
}

// RequestToken extracts a bearer token from the Authorization header, falling
// back to the token query parameter.
func RequestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}
