package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thingful/agripipe/pkg/metrics"
)

type contextKey string

const (
	// RequestIDHeader is a constant containing the request header key
	RequestIDHeader = "X-Request-ID"

	// RequestCtxKey is the context key under which the request ID is stored.
	RequestCtxKey = contextKey("requestID")
)

// RequestIDMiddleware is a net/http middleware that adds a unique UUID
// request ID to requests. If a request ID is already present in the request
// we use that one else we generate a random UUID. The request ID is added to
// our context so will be available within any downstream handlers.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(RequestIDHeader)
		if rid == "" {
			rid = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, rid)
		ctx := context.WithValue(r.Context(), RequestCtxKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// captureWriter wraps http.ResponseWriter to allow capturing and exposing the
// status code.
type captureWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code, and then calls the wrapped response
// writer method.
func (cw *captureWriter) WriteHeader(statusCode int) {
	cw.statusCode = statusCode
	cw.ResponseWriter.WriteHeader(statusCode)
}

// metricsMiddleware is defined as a struct as it holds the state of the
// configured prometheus HistogramVec.
type metricsMiddleware struct {
	h        http.Handler
	duration *prometheus.HistogramVec
}

// ServeHTTP is our implementation of the http.Handler interface
func (m *metricsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cw := &captureWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
	startTime := time.Now()
	m.h.ServeHTTP(cw, r)
	took := time.Since(startTime)
	m.duration.WithLabelValues(
		strconv.Itoa(cw.statusCode), r.Method, r.URL.Path).
		Observe(took.Seconds())
}

// MetricsMiddleware returns a new middleware that can then be Used by goji,
// or any other standard http.Handler based server.
func MetricsMiddleware(namespace, subsystem string) func(http.Handler) http.Handler {
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_sec",
			Help:      "Time (in seconds) spent serving HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status_code", "method", "path"},
	)

	metrics.MustRegister(duration)

	fn := func(h http.Handler) http.Handler {
		return &metricsMiddleware{
			h:        h,
			duration: duration,
		}
	}

	return fn
}
