package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalhub/engine/pkg/logger"
)

// Logging logs one line per request with its request id and, for
// authenticated routes, the caller.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		// Auth runs deeper in the chain and records the user here.
		holder := &userHolder{}
		next.ServeHTTP(rw, r.WithContext(withUserHolder(r.Context(), holder)))

		fields := []zap.Field{
			zap.String("id", GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		}
		if holder.userID != "" {
			fields = append(fields, zap.String("user_id", holder.userID))
		}
		if rw.status >= http.StatusInternalServerError {
			logger.L().Warn("request", fields...)
			return
		}
		logger.L().Info("request", fields...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
