package middleware

import (
	"net/http"

	"kptv-relay/work/logger"
)

// CORS allows browser front ends on other origins to call the API and
// answers preflight requests itself.
func CORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			logger.Debug("{middleware/cors - CORS} Preflight for %s", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
