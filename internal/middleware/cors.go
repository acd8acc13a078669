package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSHandler returns the CORS policy for the read surface. The ledger API
// only accepts GET and POST.
func CORSHandler(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	})
}
