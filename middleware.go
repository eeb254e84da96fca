package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey = contextKey("request_id")

// responseRecorder wraps http.ResponseWriter to capture the status code.
// It passes Flush and Hijack through so SSE and WebSocket handlers still work
// behind the logging middleware.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before passing it through
func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// requestID propagates X-Request-ID, generating one when the caller did not
// send it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// logRequests logs every request and records Prometheus metrics.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK, // default if WriteHeader isn't called
		}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		metricPath := normalizePath(r.Method, r.URL.Path)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.statusCode,
			"latency_ms", duration.Milliseconds(),
			"client_ip", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"request_id", requestIDFrom(r.Context()),
		)

		httpRequestsTotal.WithLabelValues(
			r.Method,
			metricPath,
			strconv.Itoa(recorder.statusCode),
		).Inc()

		httpRequestDuration.WithLabelValues(
			r.Method,
			metricPath,
		).Observe(duration.Seconds())
	})
}

// reservedPaths are the GET endpoints; every other path is webhook intake.
var reservedPaths = map[string]bool{
	"/":              true,
	"/health":        true,
	"/start":         true,
	"/stop":          true,
	"/status":        true,
	"/events":        true,
	"/events/stream": true,
	"/ws":            true,
	"/metrics":       true,
}

// normalizePath maps a request to a bounded metric label. Webhook paths are
// arbitrary, so they all collapse to "/*".
//
// Example: POST /github/push -> /*, GET /status -> /status, GET /nope -> other
func normalizePath(method, path string) string {
	if method == http.MethodPost {
		return "/*"
	}
	if reservedPaths[path] {
		return path
	}
	return "other"
}
