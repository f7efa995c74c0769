package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RequireOperator admits only tokens carrying the operator role. It must run
// after Auth.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !claims.IsOperator() {
			http.Error(w, "operator privileges required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAccountOwner admits the account named by the {id} route parameter
// or an operator.
func RequireAccountOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.AccountID != chi.URLParam(r, "id") && !claims.IsOperator() {
			http.Error(w, "account does not belong to caller", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
