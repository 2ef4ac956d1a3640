package middleware

import (
	"net/http"
	"os"
	"strings"
)

// allowedOrigins - разрешенные домены панели мониторинга.
// Дополняется из CORS_ALLOWED_ORIGINS (через запятую).
var allowedOrigins = map[string]bool{
	"http://localhost:3000": true,
	"http://127.0.0.1:3000": true,
	"http://localhost:8080": true,
	"http://127.0.0.1:8080": true,
	"http://localhost:5173": true, // Vite dev server
	"http://127.0.0.1:5173": true,
}

func init() {
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}
}

func isOriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	return allowedOrigins[origin]
}

// CORS - middleware для Cross-Origin Resource Sharing
//
// API только читает состояние и чистит журнал событий, поэтому
// разрешены GET, DELETE и preflight OPTIONS.
//
// - разрешенный origin получает конкретный Allow-Origin и credentials
// - запросы без Origin (curl, Prometheus) получают *
// - для чужих origins заголовки не ставятся, браузер заблокирует ответ
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if isOriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 часа кеширования preflight

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
