package middleware

import (
	"net/http"
	"runtime/debug"

	"fundarb/pkg/utils"
)

// Recovery - middleware восстановления после паники в handlers
//
// Перехватывает panic, логирует stack trace и возвращает 500,
// не роняя сервер.
func Recovery(next http.Handler) http.Handler {
	log := utils.ComponentLogger("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("handler panic recovered")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
