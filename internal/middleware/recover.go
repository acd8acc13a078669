package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/mwork/credit-ledger/internal/pkg/errorhandler"
)

// Recover is a middleware that recovers from panics
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				errorhandler.HandlePanicError(r.Context(), w, err, string(debug.Stack()))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
