package middleware

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/quantumshield/backend/pkg/logger"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

// Recover turns panics into 500 responses.
func Recover(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					log.WithField("path", r.URL.Path).
						WithField("stack", string(debug.Stack())).
						Error(fmt.Sprintf("panic: %v", v))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Tracing assigns a trace id and logs the completed request.
func Tracing(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceHeader)
			if traceID == "" || len(traceID) > 64 {
				traceID = uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), traceIDKey, traceID)
			w.Header().Set(TraceHeader, traceID)

			rw := &ResponseWriter{ResponseWriter: w, Status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r.WithContext(ctx))
			log.LogRequest(r.Method, r.URL.Path, rw.Status, time.Since(start), traceID)
		})
	}
}

// ResponseWriter captures the status code written by a handler.
type ResponseWriter struct {
	http.ResponseWriter
	Status  int
	written bool
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.Status = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack supports websocket upgrades.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.Status = http.StatusSwitchingProtocols
	rw.written = true
	return hj.Hijack()
}

// Flush forwards to the wrapped writer when supported.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, "{%q:%q}\n", "error", msg)
}
