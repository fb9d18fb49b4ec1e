package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		fields := logger.Fields{
			logger.RequestIDKey: requestID,
			"method":            r.Method,
			"path":              r.URL.Path,
			"status":            rw.status,
			"duration":          time.Since(start).String(),
			"remote":            r.RemoteAddr,
		}

		switch {
		case rw.status >= http.StatusInternalServerError:
			logger.Error("Request failed", fields)
		default:
			logger.Info("Request completed", fields)
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
