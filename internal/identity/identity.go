// Package identity carries the authenticated user id from the session
// collaborator into request handling. Authentication itself happens
// upstream; this package only trusts the forwarded header.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/stonkschool/contest-engine/internal/api"
	"github.com/stonkschool/contest-engine/internal/apperr"
)

// Header is set by the session layer in front of this service.
const Header = "X-User-ID"

type ctxKey struct{}

// ErrUnauthenticated is returned when a request carries no user id.
var ErrUnauthenticated = apperr.Unauthorized("authentication required")

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the user id stored in ctx.
func UserID(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ctxKey{}).(string)
	return uid, ok && uid != ""
}

// Require rejects requests without a user id with 401 and stores the id in
// the request context otherwise.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get(Header))
		if uid == "" {
			api.WriteError(w, r, ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
	})
}

// FromRequest returns the caller's user id, or ErrUnauthenticated.
func FromRequest(r *http.Request) (string, error) {
	if uid, ok := UserID(r.Context()); ok {
		return uid, nil
	}
	if uid := strings.TrimSpace(r.Header.Get(Header)); uid != "" {
		return uid, nil
	}
	return "", ErrUnauthenticated
}
