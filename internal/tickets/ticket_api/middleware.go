package ticket_api

import (
	"net/http"
	"strconv"
	"time"

	"enx-ticketing/internal/logger"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger logs one API line per request with status and latency.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				log.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).String())
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
