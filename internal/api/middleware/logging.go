package middleware

import (
	"net/http"
	"strings"
	"time"

	"riskguard/pkg/utils"
)

// responseWriter захватывает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Logging - middleware для логирования HTTP запросов
//
// Пишет метод, путь, статус, latency, адрес клиента и размер ответа.
// 5xx идут уровнем warn, остальное debug: опрос /health и /metrics
// не должен засорять лог.
//
// /ws/stream не оборачивается: websocket требует http.Hijacker.
func Logging(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.NopLogger()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocket(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			fields := []utils.Field{
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", wrapped.statusCode),
				utils.Latency(float64(time.Since(start).Microseconds())/1000),
				utils.String("remote", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
			}
			if wrapped.statusCode >= http.StatusInternalServerError {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}

func isWebSocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
