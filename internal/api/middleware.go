package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/replaycast/replaycast/internal/dispatch"
	"github.com/replaycast/replaycast/internal/ledger"
)

type tokenKey struct{}

// require rejects requests whose token lacks want.
func (h *Handler) require(want ledger.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, err := h.auth.Authenticate(r.Context(), dispatch.RequestToken(r), want)
			switch {
			case errors.Is(err, dispatch.ErrInvalidToken):
				writeErr(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
				return
			case errors.Is(err, dispatch.ErrUnauthorized):
				writeErr(w, http.StatusForbidden, "FORBIDDEN", err.Error())
				return
			case err != nil:
				h.log.Error("token lookup failed", "error", err)
				writeErr(w, http.StatusServiceUnavailable, "UNAVAILABLE", "authentication failed")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey{}, tok)))
		})
	}
}

func tokenFrom(ctx context.Context) *ledger.CapabilityToken {
	tok, _ := ctx.Value(tokenKey{}).(*ledger.CapabilityToken)
	return tok
}
