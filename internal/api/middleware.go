package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/voxqueue/voxqueue/internal/auth"
)

type ctxKey int

const keyCtxKey ctxKey = 0

// requireAuth builds a middleware enforcing the given permission via the
// admission-control service. The authorized key lands in the request
// context for handlers that need finer-grained checks.
func requireAuth(svc *auth.Service, perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := svc.Authorize(apiKeyFrom(r), perm)
			if err != nil {
				respondError(w, authStatus(err), err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), keyCtxKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func apiKeyFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 0 {
			// header present but whitespace-only
			return ""
		}
		return parts[len(parts)-1]
	}
	return r.Header.Get("X-API-Key")
}

func authedKey(r *http.Request) *auth.Key {
	k, _ := r.Context().Value(keyCtxKey).(*auth.Key)
	return k
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}
