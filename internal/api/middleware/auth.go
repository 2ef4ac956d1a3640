package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"riskguard/pkg/crypto"
)

// Auth - middleware проверки bearer-токена
//
// Назначение:
// Защищает /api/v1 от неавторизованного доступа. В конфигурации хранится
// только bcrypt-хеш токена (API_TOKEN_HASH); пустой хеш отключает проверку
// (локальное развертывание).
//
// bcrypt дорогой, поэтому успешно проверенный токен запоминается по sha256.
// При ошибке возвращается 401 с WWW-Authenticate: Bearer.
func Auth(tokenHash string) func(http.Handler) http.Handler {
	if tokenHash == "" {
		return func(next http.Handler) http.Handler { return next }
	}

	var (
		mu       sync.RWMutex
		verified = make(map[[sha256.Size]byte]struct{})
	)

	check := func(token string) bool {
		sum := sha256.Sum256([]byte(token))
		mu.RLock()
		_, ok := verified[sum]
		mu.RUnlock()
		if ok {
			return true
		}
		if err := crypto.VerifyToken(token, tokenHash); err != nil {
			return false
		}
		mu.Lock()
		verified[sum] = struct{}{}
		mu.Unlock()
		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || !check(token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="riskguard"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken извлекает токен из Authorization: Bearer <token>
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}
