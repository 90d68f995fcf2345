package httpserver

import (
	"net/http"
	"strings"

	"github.com/Muxite/webrag/internal/auth"
	"github.com/Muxite/webrag/internal/domain"
)

// Principal builds the caller identity from the edge proxy's verified claim
// headers. The proxy validates the bearer token before the request reaches
// us; an incomplete claim set leaves the request anonymous, which restricts
// it to fast-store reads.
func Principal() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			userID := r.Header.Get("X-User-Id")
			if token == "" || userID == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{
				UserID: userID,
				Email:  r.Header.Get("X-User-Email"),
				Token:  token,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.PrincipalFrom(r.Context()); !ok {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
				Code: "UNAUTHENTICATED", Message: domain.ErrInvalidArgument.Error() + ": credentials required",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
