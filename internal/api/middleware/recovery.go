package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"riskguard/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Перехватывает panic, пишет ошибку и stack trace в лог и отвечает 500.
// Текст паники клиенту не отдаётся.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = utils.NopLogger()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("handler panic",
						utils.String("path", r.URL.Path),
						utils.String("panic", fmt.Sprint(rec)),
						utils.String("stack", string(debug.Stack())),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
